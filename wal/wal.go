// Package wal declares the write-ahead-log collaborator the limbo depends
// on, and provides an in-memory Recorder implementation for tests and
// local demos. spec.md §6 is explicit that this module owns no on-disk
// format or wire encoding of its own — CONFIRM and ROLLBACK are records
// someone else's log already knows how to write; the limbo only needs to
// trigger them in the right order. The interface is grounded on gazette's
// own boundary style of handing callers a narrow collaborator interface
// (broker/fragment.Spool's Writer-like seams) rather than a concrete
// client type.
package wal

import (
	"sync"

	"github.com/fenwickdb/syncdb/internal/clock"
)

// Writer is the write-ahead-log collaborator the limbo drives. Both
// methods must be safe to call while the limbo's own mutex is held: they
// must not block on anything that could in turn wait on the limbo.
type Writer interface {
	// WriteConfirm durably records that every limbo entry up to and
	// including lsn has reached quorum and may be released to the
	// client (spec.md §4.6).
	WriteConfirm(lsn clock.LSN) error

	// WriteRollback durably records that every limbo entry with an LSN
	// at or above lsn must be discarded (spec.md §4.7).
	WriteRollback(lsn clock.LSN) error
}

// Record is one CONFIRM or ROLLBACK emission captured by a Recorder.
type Record struct {
	Confirm  bool
	Rollback bool
	LSN      clock.LSN
}

// Recorder is a Writer that appends every call to an in-memory log
// instead of touching disk. It is meant for tests and for cmd/limboctl's
// demo mode, mirroring the teststub fakes gazette's broker tests wire in
// place of a real Spool.
type Recorder struct {
	mu       sync.Mutex
	records  []Record
	failNext error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// WriteConfirm implements Writer.
func (r *Recorder) WriteConfirm(lsn clock.LSN) error {
	return r.record(Record{Confirm: true, LSN: lsn})
}

// WriteRollback implements Writer.
func (r *Recorder) WriteRollback(lsn clock.LSN) error {
	return r.record(Record{Rollback: true, LSN: lsn})
}

func (r *Recorder) record(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	r.records = append(r.records, rec)
	return nil
}

// FailNext makes the next WriteConfirm or WriteRollback call return err
// instead of recording anything, then reverts to normal behavior.
func (r *Recorder) FailNext(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = err
}

// Records returns a copy of every record captured so far, in call order.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}
