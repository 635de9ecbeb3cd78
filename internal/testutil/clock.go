package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant a DeterministicClock reports.
var Epoch = time.UnixMilli(1700000000000).UTC()

// DeterministicClock is a wall clock for tests whose readings advance by one
// millisecond per call.
//
// Header timestamps taken from it are reproducible, so golden files and
// crash scenarios see the same bytes on every run. It can also be frozen to
// force two keypoints onto the same millisecond.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu     sync.Mutex
	ticks  int64
	frozen bool
}

// NewDeterministicClock creates a clock whose first reading is Epoch plus one
// millisecond.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Now advances the clock unless it is frozen and returns the new reading.
// Its signature matches time.Now.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.frozen {
		c.ticks++
	}
	return Epoch.Add(time.Duration(c.ticks) * time.Millisecond)
}

// Current returns the last reading without advancing.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Epoch.Add(time.Duration(c.ticks) * time.Millisecond)
}

// Freeze stops or resumes the clock.
func (c *DeterministicClock) Freeze(frozen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = frozen
}

// Reset rewinds the clock to Epoch.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
	c.frozen = false
}
