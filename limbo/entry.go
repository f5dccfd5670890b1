package limbo

import (
	"container/list"

	"github.com/fenwickdb/syncdb/internal/clock"
)

// Status is the terminal/non-terminal state of a limbo Entry
// (spec.md §3: "status: one of {pending, committed, rolled_back}").
type Status int

const (
	// Pending is the only non-terminal status.
	Pending Status = iota
	// Committed means a CONFIRM covering this entry's LSN was emitted
	// (or replayed) and is final.
	Committed
	// RolledBack means this entry was rolled back and is final.
	RolledBack
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// NoLSN is the sentinel LSN meaning "not yet assigned" (spec.md §3):
// the WAL write for this entry is still pending.
const NoLSN clock.LSN = -1

// Entry is one pending synchronous transaction and its ACK bookkeeping
// (spec.md §3 "Limbo entry E"). The limbo owns entry storage; the zero
// value is not useful outside this package — entries are created only by
// Limbo.Append.
type Entry struct {
	// Txn is an opaque handle to the transaction. The limbo never
	// dereferences it; it exists purely as a back-reference for the
	// caller (spec.md §3: "owned by the caller; the limbo holds a
	// back-reference only").
	Txn interface{}

	lsn       clock.LSN
	ackCount  int
	status    Status
	elem      *list.Element // back-link for O(1) queue membership (spec.md §9)
}

// LSN returns the entry's assigned log sequence number, or NoLSN if the
// local WAL write has not completed yet.
func (e *Entry) LSN() clock.LSN { return e.lsn }

// AckCount returns the number of distinct replicas that have confirmed
// persistence at or beyond this entry's LSN. It never decreases while the
// entry is pending (spec.md §8, property 4).
func (e *Entry) AckCount() int { return e.ackCount }

// Status returns the entry's current status.
func (e *Entry) Status() Status { return e.status }

// IsComplete reports whether the entry has reached a terminal status
// (spec.md §4.2: "is_complete = committed ∨ rolled_back").
func (e *Entry) IsComplete() bool {
	return e.status == Committed || e.status == RolledBack
}
