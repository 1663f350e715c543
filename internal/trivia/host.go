// Package trivia holds the game-side collaborators of the voice session: the
// catalog of host personalities, the player's game settings, the system
// instruction composed from both, and the score board that the model's
// updateScore calls feed.
package trivia

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// Host is one selectable AI host personality.
type Host struct {
	// ID is the stable lookup key (lowercase, no spaces).
	ID string `yaml:"id"`

	// Name is the display name the host introduces itself with.
	Name string `yaml:"name"`

	// Voice is the prebuilt voice of the speech model.
	Voice string `yaml:"voice"`

	// Persona describes how the host talks and behaves.
	Persona string `yaml:"persona"`
}

// DefaultHosts returns the built-in host personalities.
func DefaultHosts() []Host {
	return []Host{
		{
			ID:      "quizmaster",
			Name:    "Quizmaster",
			Voice:   "Charon",
			Persona: "A classic television game show host: warm, theatrical, fond of dramatic pauses before revealing whether an answer is right.",
		},
		{
			ID:      "professor",
			Name:    "Professor Quill",
			Voice:   "Kore",
			Persona: "A kindly, slightly absent-minded university professor who adds one fascinating fact after every answer.",
		},
		{
			ID:      "pirate",
			Name:    "Captain Barnacle",
			Voice:   "Fenrir",
			Persona: "A boisterous pirate captain who calls the player 'matey', treats points as doubloons, and grumbles good-naturedly when losing.",
		},
		{
			ID:      "robot",
			Name:    "Unit Seven",
			Voice:   "Puck",
			Persona: "An overly literal quiz robot that announces probabilities, is delighted by correct answers, and occasionally glitches into puns.",
		},
	}
}

// ErrUnknownHost is returned by [Catalog.Lookup] when no host matches.
var ErrUnknownHost = errors.New("trivia: unknown host")

const (
	phoneticThreshold = 0.70
	fuzzyThreshold    = 0.85
)

// Catalog is a read-only set of hosts. It is safe for concurrent use.
type Catalog struct {
	hosts []Host
	byID  map[string]int
}

// NewCatalog validates hosts and builds a catalog. IDs must be unique and
// every host needs an ID and a name.
func NewCatalog(hosts []Host) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]int, len(hosts))}
	var errs []error
	for i, h := range hosts {
		h.ID = strings.ToLower(strings.TrimSpace(h.ID))
		if h.ID == "" {
			errs = append(errs, fmt.Errorf("hosts[%d]: id is required", i))
			continue
		}
		if h.Name == "" {
			h.Name = h.ID
		}
		if _, dup := c.byID[h.ID]; dup {
			errs = append(errs, fmt.Errorf("hosts[%d]: duplicate id %q", i, h.ID))
			continue
		}
		c.byID[h.ID] = len(c.hosts)
		c.hosts = append(c.hosts, h)
	}
	if len(c.hosts) == 0 && len(errs) == 0 {
		errs = append(errs, errors.New("catalog needs at least one host"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("trivia: %w", errors.Join(errs...))
	}
	return c, nil
}

// All returns the hosts sorted by ID.
func (c *Catalog) All() []Host {
	out := make([]Host, len(c.hosts))
	copy(out, c.hosts)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup is [Catalog.Find] with an error naming the valid choices.
func (c *Catalog) Lookup(name string) (Host, error) {
	if h, ok := c.Find(name); ok {
		return h, nil
	}
	ids := make([]string, 0, len(c.hosts))
	for _, h := range c.All() {
		ids = append(ids, h.ID)
	}
	return Host{}, fmt.Errorf("%w %q (choose one of: %s)", ErrUnknownHost, name, strings.Join(ids, ", "))
}

// Find resolves name to a host. An exact, case-insensitive match on ID or
// display name wins. Otherwise hosts whose Double Metaphone codes overlap
// the input are ranked by Jaro-Winkler similarity (accepted at 0.70), and
// when none sounds alike a plain Jaro-Winkler score of at least 0.85 is
// required.
func (c *Catalog) Find(name string) (Host, bool) {
	query := strings.ToLower(strings.TrimSpace(name))
	if query == "" {
		return Host{}, false
	}
	if i, ok := c.byID[query]; ok {
		return c.hosts[i], true
	}
	for _, h := range c.hosts {
		if strings.ToLower(h.Name) == query {
			return h, true
		}
	}

	queryTokens := strings.Fields(query)
	queryCodes := codesForTokens(queryTokens)

	var (
		best         Host
		bestScore    float64
		bestPhonetic bool
		found        bool
	)
	for _, h := range c.hosts {
		for _, label := range []string{h.ID, strings.ToLower(h.Name)} {
			tokens := strings.Fields(label)
			score := bestJWScore(queryTokens, tokens, query, label)
			if codesOverlap(queryCodes, codesForTokens(tokens)) {
				if score >= phoneticThreshold && (!bestPhonetic || score > bestScore) {
					best, bestScore, bestPhonetic, found = h, score, true, true
				}
			} else if !bestPhonetic && score >= fuzzyThreshold && score > bestScore {
				best, bestScore, found = h, score, true
			}
		}
	}
	return best, found
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the space-stripped strings, and every token pair.
func bestJWScore(queryTokens, labelTokens []string, query, label string) float64 {
	score := matchr.JaroWinkler(query, label, false)
	if len(queryTokens) > 1 || len(labelTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(queryTokens, ""), strings.Join(labelTokens, ""), false); s > score {
			score = s
		}
	}
	for _, qt := range queryTokens {
		for _, lt := range labelTokens {
			if s := matchr.JaroWinkler(qt, lt, false); s > score {
				score = s
			}
		}
	}
	return score
}
