// Package clock wires github.com/benbjohnson/clock into the runner and adds a
// test clock whose timer callbacks run synchronously.
package clock

import (
	"sort"
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Clock is the time source used by timer-driven code.
type Clock = bclock.Clock

type (
	Timer  = bclock.Timer
	Ticker = bclock.Ticker
)

// Real returns a Clock backed by the standard time package.
func Real() Clock { return bclock.New() }

// Fake is a mock Clock whose AfterFunc callbacks run on the goroutine that
// calls Advance, in deadline order, before Advance returns. bclock.Mock runs
// them on fresh goroutines, which leaves a scheduler's tick and re-arm racing
// the test that advanced the clock.
//
// A callback registered with d <= 0 fires on the next Advance, including
// Advance(0). Callbacks may register new timers; they must not call Advance.
// Stopping a timer whose deadline Advance has already reached does not stop
// its callback.
// Tickers and the other Mock methods behave as in bclock.Mock.
type Fake struct {
	*bclock.Mock

	mu      sync.Mutex
	seq     int
	pending []*fakeFunc
}

type fakeFunc struct {
	timer    *bclock.Timer
	deadline time.Time
	seq      int
	fn       func()
}

// NewFake returns a Fake set to initial.
func NewFake(initial time.Time) *Fake {
	m := bclock.NewMock()
	m.Set(initial)
	return &Fake{Mock: m}
}

// AfterFunc arms a mock timer for f. Stopping the returned timer before its
// deadline prevents f from running.
func (c *Fake) AfterFunc(d time.Duration, f func()) *bclock.Timer {
	if d < 0 {
		d = 0
	}
	deadline := c.Mock.Now().Add(d)
	t := c.Mock.Timer(d)

	c.mu.Lock()
	c.seq++
	c.pending = append(c.pending, &fakeFunc{timer: t, deadline: deadline, seq: c.seq, fn: f})
	c.mu.Unlock()
	return t
}

// Advance moves the clock forward by d, running every callback due by the
// new time. Callbacks armed by earlier callbacks run too when they fall due
// within d.
func (c *Fake) Advance(d time.Duration) {
	target := c.Mock.Now().Add(d)
	for {
		next := c.nextDue(target)
		if next == nil {
			break
		}
		if next.deadline.After(c.Mock.Now()) {
			c.Mock.Set(next.deadline)
		}
		// An empty channel means the timer was stopped.
		select {
		case <-next.timer.C:
			next.fn()
		default:
		}
	}
	if target.After(c.Mock.Now()) {
		c.Mock.Set(target)
	}
}

func (c *Fake) nextDue(target time.Time) *fakeFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	sort.Slice(c.pending, func(i, j int) bool {
		a, b := c.pending[i], c.pending[j]
		if !a.deadline.Equal(b.deadline) {
			return a.deadline.Before(b.deadline)
		}
		return a.seq < b.seq
	})
	first := c.pending[0]
	if first.deadline.After(target) {
		return nil
	}
	c.pending = c.pending[1:]
	return first
}
