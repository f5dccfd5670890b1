package limbo

import (
	"github.com/fenwickdb/syncdb/internal/clock"
)

// ReadRollback rolls back every entry with lsn >= lsn (and any
// not-yet-assigned tail entries, which by queue order always follow every
// assigned entry), from tail to head, as happens when a ROLLBACK record
// is replayed during recovery or received from a leader (spec.md §4.7,
// §4.8). Unlike the timeout-triggered path, this is a "read" and emits no
// WAL record of its own.
//
// If a rollback is already in progress, ReadRollback waits for it to
// finish and then re-evaluates against the resulting queue — it may have
// become a no-op (spec.md §4.7, last edge case).
func (l *Limbo) ReadRollback(lsn clock.LSN) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.awaitRollbackSlotLocked()

	removed := l.popSuffixLocked(func(e *Entry) bool {
		return e.lsn == NoLSN || e.lsn >= lsn
	})
	l.finishRollbackLocked(removed, false, NoLSN)
}

// rollbackFromEntryLocked performs the timeout-triggered rollback of
// §4.7 trigger 1: e and every later entry, in one batch emission. Its
// only caller, WaitComplete, must decide to roll back and perform the
// rollback within the same critical section: releasing l.mu in between
// would open a window where a concurrent Append observes l.inRollback
// still false and queues a new entry behind e, defeating the
// cascading-rollback rejection (spec.md §4.3, §4.7). If e has already
// reached a terminal status by the time the rollback slot is available
// (e.g. quorum committed it first), this is a no-op. l.mu must be held
// on entry and remains held on return.
func (l *Limbo) rollbackFromEntryLocked(e *Entry) {
	l.awaitRollbackSlotLocked()

	if e.IsComplete() {
		return
	}

	var removed []*Entry
	for back := l.queue.Back(); back != nil; {
		cur := back.Value.(*Entry)
		prev := back.Prev()
		l.queue.Remove(back)
		cur.status = RolledBack
		removed = append(removed, cur)
		if cur == e {
			break
		}
		back = prev
	}
	// removed is in tail-to-head order, i.e. the "reversed rollback order"
	// (newest first); lowestAssignedLSN scans it for the lowest written
	// LSN, which the single ROLLBACK record names.
	l.finishRollbackLocked(removed, true, lowestAssignedLSN(removed))
}

// popSuffixLocked removes and marks rolled-back every entry from the tail
// for which criterion holds, stopping at the first (from the tail) entry
// for which it doesn't. Queue ordering (spec.md §3 invariant 2) guarantees
// this is always a well-defined contiguous suffix for its caller,
// ReadRollback.
// l.mu must be held.
func (l *Limbo) popSuffixLocked(criterion func(*Entry) bool) []*Entry {
	var removed []*Entry
	for back := l.queue.Back(); back != nil; {
		cur := back.Value.(*Entry)
		if !criterion(cur) {
			break
		}
		prev := back.Prev()
		l.queue.Remove(back)
		cur.status = RolledBack
		removed = append(removed, cur)
		back = prev
	}
	return removed
}

// finishRollbackLocked applies the shared bookkeeping tail of §4.7:
// advance rollback_count, optionally emit one ROLLBACK WAL record, wake
// waiters, and clear in_rollback. l.mu must be held. finishRollbackLocked
// sets l.inRollback itself for the duration of the bookkeeping and clears
// it on return, so it's safe to call even when removed is empty.
func (l *Limbo) finishRollbackLocked(removed []*Entry, emitWAL bool, explicitLowest clock.LSN) {
	l.inRollback = true
	defer func() {
		l.inRollback = false
		l.cond.Broadcast()
	}()

	if len(removed) == 0 {
		return
	}
	l.rollbackCount += int64(len(removed))

	if emitWAL && explicitLowest >= 0 {
		if err := l.wal.WriteRollback(explicitLowest); err != nil {
			l.log.WithError(err).Error("limbo: WAL rollback write failed")
		}
	}
}

// lowestAssignedLSN returns the lowest assigned (>= 0) LSN among entries,
// or NoLSN if none of them were ever written to WAL. Entries with
// NoLSN are excluded from the ROLLBACK record individually (spec.md
// §4.7 edge case): they were never written, so there is nothing to
// invalidate for them specifically.
func lowestAssignedLSN(entries []*Entry) clock.LSN {
	lowest := NoLSN
	for _, e := range entries {
		if e.lsn < 0 {
			continue
		}
		if lowest < 0 || e.lsn < lowest {
			lowest = e.lsn
		}
	}
	return lowest
}

// awaitRollbackSlotLocked waits for any in-flight rollback to finish
// before the caller proceeds, implementing the overlap rule of §4.7's
// last edge case. l.mu must be held.
func (l *Limbo) awaitRollbackSlotLocked() {
	for l.inRollback {
		l.cond.Wait()
	}
}
