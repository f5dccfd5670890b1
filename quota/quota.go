// Package quota implements a byte-budget gatekeeper with FIFO-fair
// waiting, an overflow callback, and online limit/usage reconciliation.
// It is the Go translation of vy_quota (src/box/vy_quota.c): the same
// fast-path/slow-path acquisition, the same "notify before parking"
// overflow hook, and the same force_use/adjust/set_limit operations used
// to keep accounting correct across configuration changes, rebuilt atop
// a mutex and a FIFO condition variable instead of Tarantool's
// cooperative fiber scheduler (spec.md §4.11–4.12, §9).
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fenwickdb/syncdb/internal/fifocond"
	"github.com/fenwickdb/syncdb/internal/mclock"
	"github.com/fenwickdb/syncdb/trace"
)

// ErrClosed is returned to every caller, parked or not, once the quota has
// been closed (shutdown is treated as cancellation, as elsewhere in this
// module).
var ErrClosed = errors.New("quota: closed")

// ErrTimedOut is returned by Use when the deadline computed from its
// timeout argument elapses before size bytes become available
// (vy_quota_use returning -1 on a fiber_cond_wait_deadline timeout,
// spec.md §4.11).
var ErrTimedOut = errors.New("quota: timed out waiting for quota")

// OnExceeded is invoked synchronously, once per parking attempt, whenever
// Use finds the quota currently exhausted (spec.md §4.11). A typical
// implementation schedules a reclaim (e.g. a dump or compaction) in the
// background; it must not block or call back into the Quota it was handed.
type OnExceeded func()

// Quota is a byte quota with FIFO-fair waiting (spec.md §4.11–4.12).
type Quota struct {
	clock            mclock.Clock
	log              *log.Entry
	onExceeded       OnExceeded
	tooLongThreshold time.Duration

	mu     sync.Mutex
	cond   *fifocond.Cond
	limit  int64
	used   int64
	closed bool
	// waiting counts Use calls currently in the slow path; while it is
	// non-zero, new callers queue behind them instead of taking the fast
	// path.
	waiting int
}

// New constructs a Quota with the given initial limit. onExceeded may be
// nil. A tooLongThreshold of 0 disables the slow-wait diagnostic.
func New(limit int64, onExceeded OnExceeded, tooLongThreshold time.Duration, clk mclock.Clock) *Quota {
	q := &Quota{
		clock:            clk,
		log:              log.WithField("component", "quota"),
		onExceeded:       onExceeded,
		tooLongThreshold: tooLongThreshold,
		limit:            limit,
	}
	q.cond = fifocond.New(&q.mu, clk)
	return q
}

// Close releases every current and future waiter with ErrClosed.
func (q *Quota) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Limit returns the current byte limit.
func (q *Quota) Limit() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// Used returns current byte usage.
func (q *Quota) Used() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}

// mayUseLocked matches vy_quota_may_use (vy_quota.c:47-53) exactly: a
// request that by itself exceeds the limit is never admitted, even once
// used has drained to zero. Such a request never succeeds: Use parks
// until its deadline and returns ErrTimedOut — there is no special case
// for it.
func (q *Quota) mayUseLocked(size int64) bool {
	return q.used+size <= q.limit
}

// Use reserves size bytes, parking in FIFO order (relative to other
// blocked Use callers) while the quota is exhausted or earlier callers
// are still parked, and invoking
// onExceeded once per parking attempt. timeout bounds how long Use will
// park: the deadline is computed once, against q.clock, before the first
// park (vy_quota_use, spec.md §4.11) — not recomputed on each wake-up.
// Use returns ErrClosed if the quota is or becomes closed, ctx.Err() if
// ctx is cancelled before a reservation can be made, or ErrTimedOut if
// the deadline elapses first.
func (q *Quota) Use(ctx context.Context, size int64, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.waiting == 0 && q.mayUseLocked(size) {
		q.used += size
		return nil
	}

	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	q.waiting++
	defer func() { q.waiting-- }()

	stopWatcher := func() {}
	if ctx != nil {
		done := make(chan struct{})
		stopWatcher = func() { close(done) }
		go func() {
			select {
			case <-ctx.Done():
				q.cond.Broadcast()
			case <-done:
			}
		}()
	}
	defer stopWatcher()

	start := q.clock.Now()
	deadline := start.Add(timeout)

	for {
		if q.onExceeded != nil {
			q.onExceeded()
		}

		woken := q.cond.WaitDeadline(deadline)

		if q.closed {
			return ErrClosed
		}
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if q.mayUseLocked(size) {
			break
		}
		if !woken {
			trace.AddError(ctx, "quota: use(size=%d) timed out after %s, used=%d limit=%d", size, timeout, q.used, q.limit)
			return ErrTimedOut
		}
	}

	q.used += size
	// Hand off to the next waiter in line: this acquisition may have
	// left capacity the woken caller above us didn't consume (spec.md
	// §4.11 FIFO hand-off rule).
	q.cond.Signal()

	if waited := q.clock.Now().Sub(start); q.tooLongThreshold > 0 && waited >= q.tooLongThreshold {
		q.log.WithFields(log.Fields{
			"size":   size,
			"used":   q.used,
			"limit":  q.limit,
			"waited": waited,
		}).Warn("quota: use waited an unusually long time")
	}
	return nil
}

// Release returns size bytes to the quota and wakes the longest-waiting
// Use call so it can re-check (vy_quota_release). Release never signals
// more than one waiter itself; a successful Use call relays the wake-up
// further down the FIFO line when there is capacity left over.
func (q *Quota) Release(size int64) {
	q.mu.Lock()
	q.used -= size
	if q.used < 0 {
		q.used = 0
	}
	q.mu.Unlock()
	q.cond.Signal()
}

// ForceUse unconditionally accounts size bytes as used, even past the
// limit (vy_quota_force_use). It is for callers that must record memory
// already committed to — e.g. replaying a write during recovery — and
// cannot be made to wait.
func (q *Quota) ForceUse(size int64) {
	q.mu.Lock()
	q.used += size
	q.mu.Unlock()
}

// Adjust reconciles a reservation against its actual size once the real
// size is known (vy_quota_adjust): reserved bytes are released and used
// bytes are force-used, in a single critical section so no other waiter
// observes the intermediate state. If the reconciliation frees capacity,
// one waiter is woken.
func (q *Quota) Adjust(reserved, used int64) {
	q.mu.Lock()
	q.used += used - reserved
	if q.used < 0 {
		q.used = 0
	}
	freed := used < reserved
	q.mu.Unlock()
	if freed {
		q.cond.Signal()
	}
}

// SetLimit changes the byte limit (vy_quota_set_limit). Raising the limit
// can unblock every current waiter at once, so SetLimit broadcasts rather
// than signalling a single waiter; lowering it is always safe without
// waking anyone, since no one can be admitted by a smaller limit.
func (q *Quota) SetLimit(limit int64) {
	q.mu.Lock()
	grew := limit > q.limit
	q.limit = limit
	q.mu.Unlock()
	if grew {
		q.cond.Broadcast()
	}
}
