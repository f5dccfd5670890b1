// Package transport declares the collaborator contract the limbo expects
// from whatever carries ACKs and CONFIRM/ROLLBACK notices between
// replicas. As with wal, spec.md §6 explicitly excludes any wire format
// or network code from this core: a real deployment plugs in its own
// replication stream and calls into limbo.Limbo directly on receipt.
// This package exists only to name that seam and to provide a fake for
// tests, in the spirit of gazette's
// client.AppendService — a thin interface in front of whatever actually
// moves bytes.
package transport

import (
	"sync"

	"github.com/fenwickdb/syncdb/internal/clock"
)

// AckSink is the inbound half of the contract: a replication stream
// delivers every remote ACK it receives to Ack, and every CONFIRM or
// ROLLBACK record it observes (replayed or received from a leader) to
// ReadConfirm/ReadRollback. limbo.Limbo implements AckSink directly.
type AckSink interface {
	Ack(replica clock.ReplicaID, lsn clock.LSN)
	ReadConfirm(lsn clock.LSN)
	ReadRollback(lsn clock.LSN)
}

// Broadcaster is the outbound half: something that fans a local ACK out
// to the rest of the replica set, and carries CONFIRM/ROLLBACK to
// followers once wal.Writer has durably recorded them. Neither method is
// expected to block on delivery; a real implementation enqueues onto its
// own replication stream and returns.
type Broadcaster interface {
	BroadcastAck(lsn clock.LSN)
	BroadcastConfirm(lsn clock.LSN)
	BroadcastRollback(lsn clock.LSN)
}

// Fake is an in-memory Broadcaster that records every call instead of
// sending anything, for use in tests.
type Fake struct {
	mu        sync.Mutex
	acks      []clock.LSN
	confirms  []clock.LSN
	rollbacks []clock.LSN
}

// NewFake returns an empty Fake.
func NewFake() *Fake { return &Fake{} }

// BroadcastAck implements Broadcaster.
func (f *Fake) BroadcastAck(lsn clock.LSN) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, lsn)
}

// BroadcastConfirm implements Broadcaster.
func (f *Fake) BroadcastConfirm(lsn clock.LSN) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, lsn)
}

// BroadcastRollback implements Broadcaster.
func (f *Fake) BroadcastRollback(lsn clock.LSN) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, lsn)
}

// Acks returns every LSN passed to BroadcastAck, in call order.
func (f *Fake) Acks() []clock.LSN { return f.snapshot(&f.acks) }

// Confirms returns every LSN passed to BroadcastConfirm, in call order.
func (f *Fake) Confirms() []clock.LSN { return f.snapshot(&f.confirms) }

// Rollbacks returns every LSN passed to BroadcastRollback, in call order.
func (f *Fake) Rollbacks() []clock.LSN { return f.snapshot(&f.rollbacks) }

func (f *Fake) snapshot(s *[]clock.LSN) []clock.LSN {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]clock.LSN, len(*s))
	copy(out, *s)
	return out
}
