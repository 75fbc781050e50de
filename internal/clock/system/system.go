// Package system provides the wall clock used outside tests.
package system

import (
	"sync"
	"time"
)

// Clock implements clock.Clock on the host's wall clock, in UTC. Readings
// never go backwards, even when NTP steps the host clock, so a pass never
// finishes before it started.
type Clock struct {
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

// New creates a new Clock.
func New() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the current time in UTC, or the previous reading if the host
// clock has since stepped back.
func (c *Clock) Now() time.Time {
	t := c.now().UTC().Round(0)
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.last) {
		return c.last
	}
	c.last = t
	return t
}
