package fork

import "sync/atomic"

// Clock numbers main-state versions.
//
// Every merge takes the next version from the clock. Versions are strictly
// increasing and double as subscriber watermarks, so they never come from
// wall time.
//
// Thread-safety: Clock is safe for concurrent use. Only the holder of the
// writer slot calls Next.
type Clock struct {
	version atomic.Uint64
}

// NewClockAt creates a clock whose current version is start. Used when the
// initial state was reconstructed from a journal.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.version.Store(start)
	return c
}

// Next advances the clock and returns the new version.
func (c *Clock) Next() uint64 {
	return c.version.Add(1)
}

// Current returns the latest issued version.
func (c *Clock) Current() uint64 {
	return c.version.Load()
}
