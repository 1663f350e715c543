package realtime

import "time"

// timeline places inbound buffers back to back on the output clock.
type timeline struct {
	cursor time.Duration
}

// place returns the start position of a buffer of duration d given the
// current clock now, and advances the cursor past it.
func (t *timeline) place(now, d time.Duration) time.Duration {
	start := max(now, t.cursor)
	t.cursor = start + d
	return start
}

// reset moves the cursor back to the origin so the next buffer starts at
// the clock's current position.
func (t *timeline) reset() { t.cursor = 0 }
