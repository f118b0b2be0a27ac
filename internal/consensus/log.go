package consensus

import "sync"

// slotKey identifies a log entry by (view, seq).
type slotKey struct {
	View View
	Seq  Seq
}

// pendingKey identifies a buffered out-of-order PREPARE/COMMIT by
// (view, seq, digest): the same (view, seq) can see more than one
// digest in flight when a Byzantine primary is active, and buffered
// votes must only drain into the entry whose digest they actually
// endorse.
type pendingKey struct {
	View   View
	Seq    Seq
	Digest string
}

// logEntry is one slot in the replica's consensus log, keyed by
// (view, seq). Its digest is fixed at first write and never mutated
// (invariant 2); phase flags only move forward prepared -> committed ->
// executed (invariant 5), and all reads/writes of an entry's fields
// happen while the owning replica holds its single lock.
//
// done is closed exactly once, when the entry executes, so every
// waiter (there is normally at most one: the primary blocked in
// SubmitClientRequest) wakes without a condition-variable dance.
type logEntry struct {
	View   View
	Seq    Seq
	Digest string

	ClientID  string
	RequestID string
	Payload   string

	Prepares map[ReplicaID]struct{}
	Commits  map[ReplicaID]struct{}

	Prepared  bool
	Committed bool
	Executed  bool

	Result string
	Error  string

	done      chan struct{}
	closeDone sync.Once
}

func newLogEntry(view View, seq Seq, digest, clientID, requestID, payload string) *logEntry {
	return &logEntry{
		View:      view,
		Seq:       seq,
		Digest:    digest,
		ClientID:  clientID,
		RequestID: requestID,
		Payload:   payload,
		Prepares:  make(map[ReplicaID]struct{}),
		Commits:   make(map[ReplicaID]struct{}),
		done:      make(chan struct{}),
	}
}

// signalExecuted closes done, waking every current and future waiter.
// Safe to call more than once (e.g. a stale COMMIT replaying after
// timeout); only the first call has any effect.
func (e *logEntry) signalExecuted() {
	e.closeDone.Do(func() { close(e.done) })
}
