// Package results records finished trivia games.
//
// A [GameResult] is written once per session that ended with a non-zero
// score. [MemStore] keeps results in process memory; [PostgresStore] persists
// them in a game_results table.
package results

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/triviahost/internal/trivia"
)

// ErrInvalidResult is wrapped by [GameResult.Validate] failures.
var ErrInvalidResult = errors.New("results: invalid game result")

// GameResult is the outcome of one game.
type GameResult struct {
	ID         uuid.UUID         `json:"id"`
	SessionID  string            `json:"session_id"`
	HostID     string            `json:"host_id"`
	Voice      string            `json:"voice"`
	Topic      string            `json:"topic"`
	Difficulty trivia.Difficulty `json:"difficulty"`
	Score      trivia.Score      `json:"score"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
}

// Winner returns "player", "host" or "tie".
func (r GameResult) Winner() string {
	switch {
	case r.Score.Player > r.Score.AI:
		return "player"
	case r.Score.AI > r.Score.Player:
		return "host"
	default:
		return "tie"
	}
}

// Duration is the wall-clock length of the game.
func (r GameResult) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

// Validate checks that r can be stored.
func (r GameResult) Validate() error {
	var errs []error
	if r.HostID == "" {
		errs = append(errs, errors.New("host_id must not be empty"))
	}
	if r.Score.Player < 0 || r.Score.AI < 0 {
		errs = append(errs, errors.New("scores must not be negative"))
	}
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		errs = append(errs, errors.New("started_at and ended_at must be set"))
	} else if r.EndedAt.Before(r.StartedAt) {
		errs = append(errs, errors.New("ended_at must not be before started_at"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidResult, errors.Join(errs...))
	}
	return nil
}

// Store persists game results. Implementations must be safe for concurrent use.
type Store interface {
	// Save validates and stores r. A zero ID is replaced with a new UUID.
	Save(ctx context.Context, r GameResult) (GameResult, error)

	// Recent returns up to limit results, newest first by EndedAt.
	Recent(ctx context.Context, limit int) ([]GameResult, error)

	// Close releases the store's resources.
	Close() error
}

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. The zero value is ready to use.
type MemStore struct {
	mu      sync.RWMutex
	results []GameResult
}

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore { return &MemStore{} }

// Save implements [Store.Save].
func (s *MemStore) Save(_ context.Context, r GameResult) (GameResult, error) {
	if err := r.Validate(); err != nil {
		return GameResult{}, err
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.results {
		if existing.ID == r.ID {
			return GameResult{}, fmt.Errorf("results: result %s already exists", r.ID)
		}
	}
	s.results = append(s.results, r)
	return r, nil
}

// Recent implements [Store.Recent].
func (s *MemStore) Recent(_ context.Context, limit int) ([]GameResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	out := slices.Clone(s.results)
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b GameResult) int { return b.EndedAt.Compare(a.EndedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements [Store.Close].
func (s *MemStore) Close() error { return nil }
