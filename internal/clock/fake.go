package clock

import (
	"sync"
	"time"
)

type waiter struct {
	at time.Time
	ch chan time.Time
}

// FakeClock is a manually advanced clock. Every After call is reported on
// Waits so tests can advance only once the poller is parked.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
	waits   chan time.Duration
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{
		now:   t.UTC(),
		waits: make(chan time.Duration, 64),
	}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, waiter{at: c.now.Add(d), ch: ch})
	c.mu.Unlock()

	c.waits <- d
	return ch
}

// Waits delivers the duration of each After call
func (c *FakeClock) Waits() <-chan time.Duration {
	return c.waits
}

// Advance moves the clock and fires every due waiter
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		pending = append(pending, w)
	}
	c.waiters = pending
}
