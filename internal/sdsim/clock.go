package sdsim

import (
	"sync"
	"time"
)

// Clock is a deterministic time source. Every call to Now advances time by
// the step so busy loops observe time passing without sleeping. Sleep only
// advances the clock.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewClock returns a clock starting at a fixed epoch advancing step per Now call.
func NewClock(step time.Duration) *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), step: step}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *Clock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Elapsed returns the simulated time since start without advancing the clock.
func (c *Clock) Elapsed(start time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(start)
}
