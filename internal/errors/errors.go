// Package errors defines the replica-level error taxonomy used across
// consensus, transport, and client-facing replies. Unlike a typical
// service error type, a ReplicaError is not returned across an RPC
// boundary as a Go error: every handler in internal/consensus renders it
// to the exact wire string this package defines and puts that string on
// an Ack or ClientReply. The one exception is internal/transport's Ping
// on a killed replica, which fails the call with NotAlive so callers see
// it as unreachable. ReplicaError exists so call sites inside a
// single process can switch on Code instead of comparing strings.
package errors

import "fmt"

// Code identifies a class of rejection in the protocol's error
// taxonomy (see the protocol design's error handling section).
type Code string

const (
	// CodeNotAlive — crash-simulation; transient from the caller's view.
	CodeNotAlive Code = "NOT_ALIVE"
	// CodeWrongView — stale or mis-addressed message; sender should reconcile.
	CodeWrongView Code = "WRONG_VIEW"
	// CodeWrongPrimary — PRE-PREPARE claims a primary_id that doesn't match.
	CodeWrongPrimary Code = "WRONG_PRIMARY"
	// CodeDigestMismatch — content disagreement; feeds adversary-evidence
	// accounting and, on PRE-PREPARE or conflict threshold, a view bump.
	CodeDigestMismatch Code = "DIGEST_MISMATCH"
	// CodeBuffered — informational; phase message arrived before
	// PRE-PREPARE and was stored in a pending buffer.
	CodeBuffered Code = "BUFFERED"
	// CodeAlreadyExecuted — idempotent no-op for late/duplicate messages.
	CodeAlreadyExecuted Code = "ALREADY_EXECUTED"
	// CodeViewNotHigher — idempotent no-op for a SET-VIEW hint that
	// doesn't raise the local view.
	CodeViewNotHigher Code = "VIEW_NOT_HIGHER"
	// CodeForwardFailed — transport error while forwarding to the primary.
	CodeForwardFailed Code = "FORWARD_FAILED"
	// CodeNotPrimary — a forwarded request landed on a non-primary again.
	CodeNotPrimary Code = "NOT_PRIMARY"
	// CodeByzantinePrimary — this replica is a Byzantine primary and sent
	// chaotic PRE-PREPAREs instead of a correct one.
	CodeByzantinePrimary Code = "BYZANTINE_PRIMARY"
	// CodeEntryMissing — the primary's own log entry vanished between
	// multicast and wait (should not happen; defensive only).
	CodeEntryMissing Code = "ENTRY_MISSING"
)

// ReplicaError is a structured rejection reason. Its Error() string is
// exactly the wire string spec'd for the corresponding Ack/ClientReply
// field, so callers can do err.Error() to populate the wire value
// directly, or switch on Code for internal branching/logging.
type ReplicaError struct {
	Code    Code
	Message string
}

func (e *ReplicaError) Error() string {
	return e.Message
}

func newErr(code Code, message string) *ReplicaError {
	return &ReplicaError{Code: code, Message: message}
}

// NotAlive is returned by every handler when the replica is crashed.
func NotAlive() *ReplicaError {
	return newErr(CodeNotAlive, "node is not alive")
}

// WrongView is returned when an incoming message's view doesn't match
// the local view after any warranted local raise.
func WrongView() *ReplicaError {
	return newErr(CodeWrongView, "wrong view")
}

// WrongPrimary is returned when a PRE-PREPARE's primary_id field doesn't
// match who the replica believes the primary is.
func WrongPrimary() *ReplicaError {
	return newErr(CodeWrongPrimary, "wrong primary")
}

// DigestMismatch is returned when a recomputed digest disagrees with the
// digest carried on the message.
func DigestMismatch() *ReplicaError {
	return newErr(CodeDigestMismatch, "digest mismatch")
}

// Buffered is returned (alongside Ok: true) when a PREPARE/COMMIT arrived
// before the matching PRE-PREPARE and was stored in a pending buffer.
func Buffered() *ReplicaError {
	return newErr(CodeBuffered, "buffered")
}

// AlreadyExecuted is returned (alongside Ok: true) for a late or
// duplicate PREPARE/COMMIT arriving after the entry already executed.
func AlreadyExecuted() *ReplicaError {
	return newErr(CodeAlreadyExecuted, "ignored (already executed)")
}

// ViewNotHigher is returned (alongside Ok: true) by SET-VIEW when the
// proposed view does not exceed the local view.
func ViewNotHigher() *ReplicaError {
	return newErr(CodeViewNotHigher, "ignored (not higher)")
}

// ForwardFailed wraps a transport failure encountered while forwarding a
// client request to the primary.
func ForwardFailed(cause error) *ReplicaError {
	return newErr(CodeForwardFailed, fmt.Sprintf("forward to primary failed: %v", cause))
}

// NotPrimary is returned when a forwarded request lands on a replica
// that (still) isn't primary, preventing forwarding loops.
func NotPrimary(primaryID fmt.Stringer) *ReplicaError {
	return newErr(CodeNotPrimary, fmt.Sprintf("not primary (primary_id=%s)", primaryID))
}

// ByzantinePrimary is returned by a Byzantine primary after it has sent
// tailored chaos PRE-PREPAREs instead of a correct one.
func ByzantinePrimary() *ReplicaError {
	return newErr(CodeByzantinePrimary, "byzantine primary: sent chaotic PRE-PREPARE (no commit expected)")
}

// EntryMissing guards the defensive case where a log entry disappears
// between multicast and the primary's wait on it.
func EntryMissing() *ReplicaError {
	return newErr(CodeEntryMissing, "request entry missing")
}
