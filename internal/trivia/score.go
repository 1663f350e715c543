package trivia

import "sync"

// Score is the running tally of one game.
type Score struct {
	Player int `json:"player"`
	AI     int `json:"ai"`
}

// Zero reports whether no points were awarded yet.
func (s Score) Zero() bool { return s.Player == 0 && s.AI == 0 }

// Scoreboard owns the current [Score]. It is safe for concurrent use.
type Scoreboard struct {
	mu      sync.Mutex
	score   Score
	updates int
	subs    []func(Score)
}

// Update replaces the score with s. Negative components are clamped to zero.
// Subscribers registered with [Scoreboard.OnChange] are called synchronously
// after the lock is released, and only when the score actually changed.
func (b *Scoreboard) Update(s Score) {
	s.Player = max(s.Player, 0)
	s.AI = max(s.AI, 0)

	b.mu.Lock()
	b.updates++
	changed := s != b.score
	b.score = s
	subs := b.subs
	b.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range subs {
		fn(s)
	}
}

// Score returns the current score.
func (b *Scoreboard) Score() Score {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.score
}

// Updates returns how many times Update was called since the last Reset.
func (b *Scoreboard) Updates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updates
}

// Reset zeroes the score without notifying subscribers.
func (b *Scoreboard) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.score = Score{}
	b.updates = 0
}

// OnChange registers fn to be called with every new score.
func (b *Scoreboard) OnChange(fn func(Score)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(append([]func(Score){}, b.subs...), fn)
}
