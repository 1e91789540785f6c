package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually driven Clock for tests.
//
// Functions scheduled with AfterFunc run synchronously inside Advance, in
// deadline order, on the caller's goroutine.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	pending []*fakeTimer
}

type fakeTimer struct {
	c    *Fake
	at   time.Time
	seq  uint64
	fn   func()
	done bool
}

// NewFake returns a fake clock set to start. A zero start uses a fixed
// reference instant.
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
	}
	return &Fake{current: start}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Stopper {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, at: c.current.Add(d), seq: c.seq, fn: f}
	c.pending = append(c.pending, t)
	return t
}

// Set moves the clock to t without firing anything.
func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and runs every function whose
// deadline has been reached. Functions scheduled while advancing are run
// too if they fall inside the window.
func (c *Fake) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return target
		}
		next.done = true
		if next.at.After(c.current) {
			c.current = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

// Pending reports how many scheduled functions have not fired or been stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.pending {
		if !t.done {
			n++
		}
	}
	return n
}

func (c *Fake) nextDueLocked(target time.Time) *fakeTimer {
	live := c.pending[:0]
	for _, t := range c.pending {
		if !t.done {
			live = append(live, t)
		}
	}
	c.pending = live
	sort.SliceStable(c.pending, func(i, j int) bool {
		if c.pending[i].at.Equal(c.pending[j].at) {
			return c.pending[i].seq < c.pending[j].seq
		}
		return c.pending[i].at.Before(c.pending[j].at)
	})
	if len(c.pending) == 0 || c.pending[0].at.After(target) {
		return nil
	}
	return c.pending[0]
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
