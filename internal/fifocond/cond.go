// Package fifocond implements a deadline-aware condition variable with
// strict FIFO wake order, the primitive spec.md §5 calls for: "cooperative
// condition variable with signal, broadcast, wait_until(deadline)" and
// "Quota waiters are served in FIFO arrival order due to one-signal
// hand-off."
//
// The spec's source runs on single-threaded cooperative fibers, where a
// condition variable needs no backing mutex: nothing else can run between
// a caller observing state and parking on the condition (spec.md §9).
// On goroutines we don't get that for free, so Cond pairs with an
// ordinary sync.Mutex exactly as §9's design notes prescribe: "An
// implementation on preemptive threads must add a mutex guarding each
// component and convert every condition-variable wait into a
// wait(mutex, deadline)."
package fifocond

import (
	"sync"

	"github.com/fenwickdb/syncdb/internal/mclock"
)

// Cond is a FIFO, deadline-aware condition variable. The zero value is not
// usable; construct with New.
type Cond struct {
	L     sync.Locker
	clock mclock.Clock

	mu      sync.Mutex // guards waiters only, never held across L's critical sections
	waiters []chan struct{}
}

// New returns a Cond guarded by l, using clock to evaluate deadlines.
func New(l sync.Locker, clock mclock.Clock) *Cond {
	if l == nil {
		panic("fifocond: nil Locker")
	}
	return &Cond{L: l, clock: clock}
}

// Wait atomically unlocks c.L and suspends the caller until Signal or
// Broadcast wakes it, then re-locks c.L before returning. The caller must
// hold c.L.
func (c *Cond) Wait() {
	c.waitUntil(nil)
}

// WaitDeadline behaves like Wait, but also returns when the clock reaches
// deadline. It reports whether the wait ended due to a wake (true) or the
// deadline elapsing (false). The caller must hold c.L both before the
// call and after it returns.
func (c *Cond) WaitDeadline(deadline mclock.AbsTime) (woken bool) {
	return c.waitUntil(&deadline)
}

func (c *Cond) waitUntil(deadline *mclock.AbsTime) bool {
	ch := make(chan struct{})

	// Arm the deadline timer before registering as a waiter, so anyone
	// who observes this waiter can rely on its timer already being armed.
	var timer <-chan mclock.AbsTime
	if deadline != nil {
		remaining := deadline.Sub(c.clock.Now())
		if remaining < 0 {
			remaining = 0
		}
		timer = c.clock.After(remaining)
	}

	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	c.L.Unlock()
	defer c.L.Lock()

	if deadline == nil {
		<-ch
		return true
	}

	select {
	case <-ch:
		return true
	case <-timer:
		c.cancelWait(ch)
		return false
	}
}

// cancelWait removes ch from the waiter list if it is still parked there
// (it may have just been signaled concurrently, in which case the wake-up
// is passed on to the next waiter instead of double-removing).
func (c *Cond) cancelWait(ch chan struct{}) {
	c.mu.Lock()
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()
	// Already popped by a concurrent Signal/Broadcast racing the deadline;
	// this caller reports a timeout, so hand the wake-up to the next
	// waiter in line so the signal isn't lost on the floor.
	c.Signal()
}

// Signal wakes the longest-waiting goroutine blocked in Wait/WaitDeadline,
// if any. This is the "hand-off" half of the FIFO contract: a successful
// acquirer calls Signal exactly once to wake the next in line.
func (c *Cond) Signal() {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return
	}
	ch := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.mu.Unlock()
	close(ch)
}

// Broadcast wakes every goroutine currently blocked in Wait/WaitDeadline.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	woken := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, ch := range woken {
		close(ch)
	}
}
