package trivia

import (
	"errors"
	"fmt"
	"strings"
)

// Difficulty is the requested question difficulty.
type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

// Valid reports whether d is one of the known difficulties.
func (d Difficulty) Valid() bool {
	switch d {
	case Easy, Medium, Hard:
		return true
	}
	return false
}

// Settings are the player's choices for one game.
type Settings struct {
	// Topic narrows the questions; empty means general knowledge.
	Topic string `yaml:"topic"`

	// Difficulty is easy, medium or hard.
	Difficulty Difficulty `yaml:"difficulty"`

	// Questions is the number of questions in the round; zero means the
	// host keeps going until the player stops.
	Questions int `yaml:"questions"`
}

// DefaultSettings returns a ten-question general knowledge round at medium
// difficulty.
func DefaultSettings() Settings {
	return Settings{Difficulty: Medium, Questions: 10}
}

// Validate reports every invalid field.
func (s Settings) Validate() error {
	var errs []error
	if s.Difficulty != "" && !s.Difficulty.Valid() {
		errs = append(errs, fmt.Errorf("difficulty %q must be easy, medium or hard", s.Difficulty))
	}
	if s.Questions < 0 {
		errs = append(errs, fmt.Errorf("questions must be >= 0, got %d", s.Questions))
	}
	return errors.Join(errs...)
}

// Instructions composes the system instruction for a session: the host's
// persona, the round's rules, and the scoring obligation the model must
// fulfil through the updateScore tool.
func Instructions(h Host, s Settings) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, the host of a spoken trivia game.\n", h.Name)
	if h.Persona != "" {
		fmt.Fprintf(&b, "Personality: %s\n", h.Persona)
	}
	b.WriteString("\nRules:\n")

	topic := strings.TrimSpace(s.Topic)
	if topic == "" {
		topic = "general knowledge"
	}
	difficulty := s.Difficulty
	if difficulty == "" {
		difficulty = Medium
	}
	fmt.Fprintf(&b, "- Ask %s questions about %s, one at a time.\n", difficulty, topic)
	if s.Questions > 0 {
		fmt.Fprintf(&b, "- The round has %d questions. After the last one, announce the final score and say goodbye.\n", s.Questions)
	} else {
		b.WriteString("- Keep asking questions until the player says they want to stop.\n")
	}
	b.WriteString("- Wait for the player's spoken answer, then say whether it was right and give the correct answer if it was not.\n")
	b.WriteString("- If the player is wrong or gives up, the point goes to you.\n")
	b.WriteString("- Keep every turn short; this is a conversation, not a lecture.\n")
	b.WriteString("\nScoring:\n")
	b.WriteString("- After judging every answer, call the updateScore function with the cumulative totals: ")
	b.WriteString("playerScore is the player's total points so far and aiScore is yours. Never send increments.\n")
	b.WriteString("- Call updateScore before you speak the next question.\n")
	return b.String()
}
