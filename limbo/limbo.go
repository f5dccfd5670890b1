// Package limbo implements the synchronous-replication limbo: the
// ordering, quorum, and rollback coordinator described in spec.md §§3-4.
// A Limbo orders the synchronous transactions of a single owner replica,
// tracks per-replica acknowledgements against a clock.Vector, and decides
// commit vs. rollback under quorum and timeout rules while enforcing the
// reversed-rollback-order invariant required to keep the WAL consistent
// across cascading rollbacks.
//
// Limbo assumes the single-threaded cooperative execution model spec.md
// §5 describes: every public method takes Limbo's mutex for its whole
// duration except where it parks on the limbo's condition variable
// (WaitComplete, WaitConfirmAll, and ReadRollback/ForceEmpty while an
// in-flight rollback finishes). ForceEmpty additionally releases the
// mutex between its confirm step and its rollback step. (The quota's own
// suspension point, the blocking half of quota.Quota.Use, lives in the
// sibling quota package.) Concurrent ACK or CONFIRM deliveries from
// network goroutines simply serialize on that mutex, playing the role
// single-threaded dispatch plays in the original fiber runtime.
package limbo

import (
	"container/list"
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fenwickdb/syncdb/internal/clock"
	"github.com/fenwickdb/syncdb/internal/fifocond"
	"github.com/fenwickdb/syncdb/internal/mclock"
	"github.com/fenwickdb/syncdb/trace"
	"github.com/fenwickdb/syncdb/wal"
)

// Limbo is a single owner instance's queue of pending synchronous
// transactions (spec.md §3 "Limbo L"). The zero value is not usable; use
// New.
type Limbo struct {
	params Params
	wal    wal.Writer
	clock  mclock.Clock
	log    *log.Entry

	mu   sync.Mutex
	cond *fifocond.Cond

	ownerSet bool
	ownerID  clock.ReplicaID
	vector   *clock.Vector
	queue    *list.List // of *Entry, ordered per spec.md §3 invariant 2

	rollbackCount int64
	inRollback    bool
	closed        bool
}

// New constructs an empty Limbo. params supplies the dynamically
// reconfigurable quorum size and confirm timeout; w is the WAL writer
// collaborator CONFIRM/ROLLBACK records are emitted to; clk is the
// monotonic clock used for deadline math (pass mclock.System{} in
// production, an *mclock.Simulated in tests).
func New(params Params, w wal.Writer, clk mclock.Clock) *Limbo {
	l := &Limbo{
		params: params,
		wal:    w,
		clock:  clk,
		vector: clock.New(),
		queue:  list.New(),
		log:    log.WithField("component", "limbo"),
	}
	l.cond = fifocond.New(&l.mu, clk)
	return l
}

// Close shuts the limbo down: every parked WaitComplete/WaitConfirmAll
// wakes and observes ErrShutdown, the way spec.md §5 requires ("shutdown
// broadcasts both condition variables so all parked fibers wake and
// observe destruction, treated as cancellation").
func (l *Limbo) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Empty reports whether the queue currently holds no entries.
func (l *Limbo) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len() == 0
}

// Front returns the head-of-queue entry, or nil if the queue is empty.
func (l *Limbo) Front() *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.queue.Front(); e != nil {
		return e.Value.(*Entry)
	}
	return nil
}

// Back returns the tail-of-queue entry, or nil if the queue is empty.
func (l *Limbo) Back() *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.queue.Back(); e != nil {
		return e.Value.(*Entry)
	}
	return nil
}

// RollbackCount returns the monotonically non-decreasing count of entries
// rolled back over the lifetime of this limbo (spec.md §3, §8 property 5).
func (l *Limbo) RollbackCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rollbackCount
}

// Append orders a new pending transaction behind ownerID (spec.md §4.3).
// The first call fixes the limbo's owner; subsequent calls with a
// different ownerID are a programming error. If the limbo is currently
// rolling back a suffix, Append returns ErrInRollback and the caller must
// abort the transaction immediately — the cascading-rollback rule.
func (l *Limbo) Append(ownerID clock.ReplicaID, txn interface{}) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrShutdown
	}
	if !l.ownerSet {
		l.ownerID, l.ownerSet = ownerID, true
	} else if l.ownerID != ownerID {
		l.log.WithFields(log.Fields{
			"owner": l.ownerID,
			"got":   ownerID,
		}).Panic("limbo: append from non-owner instance")
	}
	if l.inRollback {
		return nil, ErrInRollback
	}

	e := &Entry{Txn: txn, lsn: NoLSN, status: Pending}
	e.elem = l.queue.PushBack(e)
	return e, nil
}

// Abort discards an entry that never received an LSN — the caller gave up
// on the transaction before any WAL write was even attempted. Unlike
// rollback, Abort emits no WAL record and does not advance RollbackCount:
// the entry was never visible to any replica (see SPEC_FULL.md §4,
// supplemented from the original's txn_limbo_abort).
func (l *Limbo) Abort(e *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.status != Pending || e.lsn != NoLSN {
		l.log.WithFields(log.Fields{
			"status": e.status,
			"lsn":    e.lsn,
		}).Panic("limbo: Abort requires a pending, not-yet-assigned entry")
	}
	l.queue.Remove(e.elem)
	e.status = RolledBack
	l.cond.Broadcast()
}

// AssignLocalLSN is called upon the owner's own WAL completion (spec.md
// §4.4): it sets the entry's LSN, advances V[owner_id], and counts a
// self-ACK. If a cascading rollback already swept e between Append and
// this call, e is terminal and the call does nothing.
func (l *Limbo) AssignLocalLSN(e *Entry, lsn clock.LSN) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.status == RolledBack && e.lsn == NoLSN {
		return
	}
	l.mustNextToAssign(e)
	e.lsn = lsn
	if cur := l.vector.Get(l.ownerID); lsn > cur {
		l.vector.Set(l.ownerID, lsn)
	}
	e.ackCount++
	l.evaluateHeadLocked()
}

// AssignRemoteLSN is called when the limbo holds a transaction
// originating elsewhere, during recovery or apply (spec.md §4.4): it sets
// the entry's LSN only. No self-ACK is counted, because the instance
// applying it is not a voting member of its own quorum in this context.
func (l *Limbo) AssignRemoteLSN(e *Entry, lsn clock.LSN) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.mustNextToAssign(e)
	e.lsn = lsn
	l.evaluateHeadLocked()
}

// AssignLSN dispatches to AssignLocalLSN or AssignRemoteLSN depending on
// local, the tagged variant spec.md §4.4/§9 describes for callers (the
// applier or recovery path) that don't statically know which is correct.
func (l *Limbo) AssignLSN(e *Entry, lsn clock.LSN, local bool) {
	if local {
		l.AssignLocalLSN(e, lsn)
	} else {
		l.AssignRemoteLSN(e, lsn)
	}
}

// mustNextToAssign enforces the ordering invariant of spec.md §4.4: LSNs
// are assigned in queue order. The caller (a single-threaded WAL writer)
// guarantees this in practice; here it is a cheap assertion against
// misuse, not a scheduling mechanism.
func (l *Limbo) mustNextToAssign(e *Entry) {
	if e.status != Pending {
		l.log.WithField("status", e.status).Panic("limbo: assign LSN on non-pending entry")
	}
	if e.lsn != NoLSN {
		l.log.Panic("limbo: entry already has an assigned LSN")
	}
	for front := l.queue.Front(); front != nil; front = front.Next() {
		fe := front.Value.(*Entry)
		if fe.lsn == NoLSN {
			if fe != e {
				l.log.Panic("limbo: LSN assigned out of queue order")
			}
			return
		}
	}
	l.log.Panic("limbo: entry not found in queue")
}

// Ack applies a replica's reported persisted LSN (spec.md §4.5). A
// self-ack from the owner is silently ignored — the owner acks via the
// local WAL completion path instead (spec.md §9, Open Question 1). If the
// update actually advances the replica's component, the quorum threshold
// is recomputed and any newly eligible prefix is committed.
func (l *Limbo) Ack(replicaID clock.ReplicaID, lsn clock.LSN) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ownerSet && replicaID == l.ownerID {
		return
	}
	prev := l.vector.Get(replicaID)
	if l.vector.Advance(replicaID, lsn) {
		// Count this replica once for every entry its new LSN newly covers.
		for el := l.queue.Front(); el != nil; el = el.Next() {
			if e := el.Value.(*Entry); e.lsn > prev && e.lsn <= lsn {
				e.ackCount++
			}
		}
		l.evaluateHeadLocked()
	}
}

// evaluateHeadLocked walks the queue head committing every contiguous
// pending, LSN-assigned entry whose LSN is at or below the current
// quorum threshold (spec.md §4.5). It must be called with l.mu held.
func (l *Limbo) evaluateHeadLocked() {
	if l.queue.Len() == 0 {
		return
	}
	quorumLSN := l.vector.KthLargest(l.params.Quorum())

	var highest clock.LSN = NoLSN
	var committed bool
	for front := l.queue.Front(); front != nil; {
		e := front.Value.(*Entry)
		if e.status != Pending || e.lsn < 0 || e.lsn > quorumLSN {
			break
		}
		e.status = Committed
		highest = e.lsn
		committed = true

		next := front.Next()
		l.queue.Remove(front)
		front = next
	}
	if !committed {
		return
	}
	if err := l.wal.WriteConfirm(highest); err != nil {
		l.log.WithError(errors.WithMessage(err, "write confirm")).Error("limbo: WAL confirm write failed")
	}
	l.cond.Broadcast()
}

// ReadConfirm advances head-side commits up to lsn without emitting any
// WAL record, as happens when a CONFIRM record is replayed during
// recovery or received from a leader (spec.md §4.8). A lsn at or below
// the already-confirmed watermark is a no-op (spec.md §9, Open Question
// 2).
func (l *Limbo) ReadConfirm(lsn clock.LSN) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var committed bool
	for front := l.queue.Front(); front != nil; {
		e := front.Value.(*Entry)
		if e.status != Pending || e.lsn < 0 || e.lsn > lsn {
			break
		}
		e.status = Committed
		committed = true

		next := front.Next()
		l.queue.Remove(front)
		front = next
	}
	if committed {
		l.cond.Broadcast()
	}
}

// WaitComplete blocks until e reaches a terminal status, the confirm
// timeout elapses, or ctx is cancelled (spec.md §4.6). On timeout or
// cancellation the limbo initiates rollback at e's LSN and everything
// after it; there is no silent abandonment. The decision to roll back
// and the rollback itself happen without ever releasing l.mu in between
// — spec.md §9's single critical section per decision — so a concurrent
// Append can never slip a new entry past the cascading-rollback check
// in the gap. The returned Status is Committed or RolledBack, except on
// limbo shutdown, where the entry may still be Pending; a non-nil error is
// returned only when the wait ended due to context cancellation or limbo
// shutdown (the status is still meaningful and must still be observed by
// the caller).
func (l *Limbo) WaitComplete(ctx context.Context, e *Entry) (Status, error) {
	l.mu.Lock()
	if e.IsComplete() {
		status := e.status
		l.mu.Unlock()
		return status, nil
	}
	if l.closed {
		l.mu.Unlock()
		return e.status, ErrShutdown
	}

	done := make(chan struct{})
	if ctx != nil {
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				l.cond.Broadcast()
			case <-done:
			}
		}()
	}

	for !e.IsComplete() && !l.closed {
		deadline := l.clock.Now().Add(l.params.ConfirmTimeout())
		woken := l.cond.WaitDeadline(deadline)
		if e.IsComplete() || l.closed {
			break
		}
		if ctxDone(ctx) {
			trace.Add(ctx, "wait_complete: context cancelled, rolling back from lsn=%d", e.lsn)
			l.rollbackFromEntryLocked(e)
			break
		}
		if !woken {
			// Deadline elapsed: initiate rollback at e (and everything
			// after it), per spec.md §4.6.
			trace.Add(ctx, "wait_complete: confirm timeout elapsed, rolling back from lsn=%d", e.lsn)
			l.rollbackFromEntryLocked(e)
			break
		}
		// Woken by a broadcast that wasn't e's own completion (e.g. an
		// on_parameters_change or an unrelated entry's resolution);
		// loop and recompute the deadline against current parameters.
	}

	status := e.status
	closed := l.closed
	l.mu.Unlock()

	if closed && !e.IsComplete() {
		return status, ErrShutdown
	}
	if ctxDone(ctx) {
		return status, ctx.Err()
	}
	return status, nil
}

func ctxDone(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}


// WaitConfirmAll parks the caller until the queue drains or the confirm
// timeout elapses (spec.md §4.9). It reports success only if the queue
// became empty and no rollback occurred during the wait window.
func (l *Limbo) WaitConfirmAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	startRollbacks := l.rollbackCount
	for l.queue.Len() > 0 && !l.closed {
		deadline := l.clock.Now().Add(l.params.ConfirmTimeout())
		woken := l.cond.WaitDeadline(deadline)
		if !woken {
			break // timed out
		}
		if ctxDone(ctx) {
			break
		}
	}
	if l.closed {
		return ErrShutdown
	}
	if l.queue.Len() != 0 || l.rollbackCount != startRollbacks {
		return ErrWaitConfirmAllFailed
	}
	return nil
}

// ForceEmpty confirms every entry with lsn <= lastConfirm and rolls back
// the remainder, intended for operator-driven recovery (spec.md §4.10).
// It emits a CONFIRM then a ROLLBACK WAL record, in that order, then
// processes both exactly as if they had been received externally — i.e.
// through the no-reemit ReadConfirm/ReadRollback paths.
func (l *Limbo) ForceEmpty(lastConfirm clock.LSN) {
	l.mu.Lock()
	l.awaitRollbackSlotLocked()

	if l.wal != nil {
		if err := l.wal.WriteConfirm(lastConfirm); err != nil {
			l.log.WithError(err).Error("limbo: force_empty: WAL confirm write failed")
		}
	}
	l.mu.Unlock()
	l.ReadConfirm(lastConfirm)

	l.mu.Lock()
	tail := l.queue.Back()
	l.mu.Unlock()
	if tail == nil {
		return
	}

	// Every remaining entry (all of which now have lsn > lastConfirm, by
	// construction of ReadConfirm above) is rolled back.
	if l.wal != nil {
		l.mu.Lock()
		if l.queue.Len() > 0 {
			if err := l.wal.WriteRollback(lastConfirm + 1); err != nil {
				l.log.WithError(err).Error("limbo: force_empty: WAL rollback write failed")
			}
		}
		l.mu.Unlock()
	}
	l.ReadRollback(lastConfirm + 1)
}

// OnParametersChange broadcasts wait_cond so every parked fiber
// recomputes its deadline and quorum comparison against the new
// configuration (spec.md §4.13). Parameter values themselves live in
// Params and are read fresh at each decision point; this call exists
// purely to wake sleepers.
func (l *Limbo) OnParametersChange() {
	l.cond.Broadcast()
}
