package mclock

import (
	"container/heap"
	"sync"
	"time"
)

// Simulated is a fake Clock that only advances when Run is called. It lets
// timeout-driven tests (confirm timeout, quota deadline) run instantly and
// deterministically instead of sleeping on the wall clock.
type Simulated struct {
	mu     sync.Mutex
	now    AbsTime
	timers simTimerHeap
}

type simTimer struct {
	at  AbsTime
	ch  chan AbsTime
	idx int
}

type simTimerHeap []*simTimer

func (h simTimerHeap) Len() int            { return len(h) }
func (h simTimerHeap) Less(i, j int) bool  { return h[i].at < h[j].at }
func (h simTimerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].idx, h[j].idx = i, j }
func (h *simTimerHeap) Push(x interface{}) { *h = append(*h, x.(*simTimer)) }
func (h *simTimerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// Now returns the simulated clock's current time.
func (c *Simulated) Now() AbsTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep blocks until Run advances the clock past the requested duration.
func (c *Simulated) Sleep(d time.Duration) {
	<-c.After(d)
}

// After returns a channel which fires once Run has advanced the clock by
// at least d from now.
func (c *Simulated) After(d time.Duration) <-chan AbsTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &simTimer{at: c.now.Add(d), ch: make(chan AbsTime, 1)}
	heap.Push(&c.timers, t)
	return t.ch
}

// Run advances the simulated clock by d, firing any timers whose deadline
// has now elapsed, in deadline order.
func (c *Simulated) Run(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var fire []*simTimer
	for c.timers.Len() > 0 && c.timers[0].at <= c.now {
		fire = append(fire, heap.Pop(&c.timers).(*simTimer))
	}
	now := c.now
	c.mu.Unlock()

	for _, t := range fire {
		t.ch <- now
	}
}
