// Package consensus implements a per-replica simulation of the Practical
// Byzantine Fault Tolerance (PBFT) three-phase agreement protocol: a
// fixed-membership ensemble of n = 3f+1 replicas drives client requests
// through PRE-PREPARE, PREPARE, and COMMIT, tolerating up to f Byzantine
// replicas.
package consensus

import (
	"strconv"
	"time"
)

// ReplicaID identifies a member of the replica set. Replicas are
// distinguished by integer id on a trusted channel; there is no
// signature scheme in this simulator.
type ReplicaID int32

// String renders a ReplicaID for log fields and error messages.
func (r ReplicaID) String() string {
	return strconv.Itoa(int(r))
}

// View is a monotonically nondecreasing epoch number that selects the
// current primary by view mod n.
type View uint64

// Seq is the sequence number the primary assigns to a client request
// within a view. Sequence numbers are local to the primary and issued
// in strict monotonic order.
type Seq uint64

// ClientRequest is the message a client (or a forwarding replica) sends
// to submit an operation.
type ClientRequest struct {
	ClientID    string `json:"client_id"`
	RequestID   string `json:"request_id"`
	TimestampMs int64  `json:"timestamp_ms"`
	Payload     string `json:"payload"`
	Forwarded   bool   `json:"forwarded"`
}

// ClientReply is returned to the client (or to the forwarding replica)
// once a request has executed, timed out, or been rejected.
type ClientReply struct {
	ClientID  string    `json:"client_id"`
	RequestID string    `json:"request_id"`
	ReplicaID ReplicaID `json:"replica_id"`
	View      View      `json:"view"`
	Seq       Seq       `json:"seq"`
	Committed bool      `json:"committed"`
	Result    string    `json:"result"`
	Error     string    `json:"error"`
}

// PrePrepareRequest is multicast by the primary to assign (view, seq) to
// a client request and bind it to a digest.
type PrePrepareRequest struct {
	View      View          `json:"view"`
	Seq       Seq           `json:"seq"`
	Digest    string        `json:"digest"`
	PrimaryID ReplicaID     `json:"primary_id"`
	Request   ClientRequest `json:"request"`
}

// PrepareRequest is multicast by a non-primary replica once it accepts a
// PRE-PREPARE for (view, seq, digest).
type PrepareRequest struct {
	View      View      `json:"view"`
	Seq       Seq       `json:"seq"`
	Digest    string    `json:"digest"`
	ReplicaID ReplicaID `json:"replica_id"`
}

// CommitRequest is multicast by a replica once it has collected a
// PREPARE quorum for (view, seq, digest).
type CommitRequest struct {
	View      View      `json:"view"`
	Seq       Seq       `json:"seq"`
	Digest    string    `json:"digest"`
	ReplicaID ReplicaID `json:"replica_id"`
}

// SetViewRequest is a best-effort hint, broadcast or unicast, that the
// sender believes the cluster should be at a higher view.
type SetViewRequest struct {
	View     View      `json:"view"`
	SenderID ReplicaID `json:"sender_id"`
	Reason   string    `json:"reason"`
}

// StatusReply answers GetStatus, surfaced to the launcher/dashboard.
type StatusReply struct {
	NodeID    ReplicaID `json:"node_id"`
	Role      string    `json:"role"`
	View      View      `json:"view"`
	Alive     bool      `json:"alive"`
	PrimaryID ReplicaID `json:"primary_id"`
	F         int       `json:"f"`
	N         int       `json:"n"`
	LastSeq   Seq       `json:"last_seq"`
}

// Ack is the generic acknowledgement returned by the three protocol RPCs
// and SET-VIEW. Ok=false with a non-empty Error means a rejection (see
// internal/errors for the taxonomy); handlers never panic or propagate
// errors across the RPC boundary.
type Ack struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error"`
}

// PingReply answers a liveness probe.
type PingReply struct {
	Message string `json:"message"`
}

// Empty is returned by operations with no payload (Kill).
type Empty struct{}

// Role describes whether a replica currently believes itself to be the
// primary for its own view.
type Role string

const (
	RolePrimary Role = "Primary"
	RoleReplica Role = "Replica"
)

// Config carries the provisioning-time parameters for one replica. n and
// f are derived from len(Peers)+1 at construction time; NewReplica
// enforces n = 3f+1.
type Config struct {
	NodeID ReplicaID
	Peers  []ReplicaID

	// Byzantine marks this replica as an adversary: its outgoing
	// PRE-PREPARE/PREPARE/COMMIT content is corrupted per the strategy
	// in internal/consensus/adversary.go.
	Byzantine bool

	// BroadcastPrepare toggles whether on_pre_prepare multicasts (and
	// self-counts) a PREPARE at all. The zero value turns it off;
	// internal/config and cmd/replica default it to true.
	BroadcastPrepare bool

	// RequestTimeout bounds how long the primary's SubmitClientRequest
	// blocks waiting for an entry to execute; a shorter deadline on the
	// caller's context takes precedence. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Metrics is a point-in-time snapshot of protocol counters, independent
// of whatever external registry (see pkg/metrics) is scraping this
// replica. Useful directly in tests.
type Metrics struct {
	View             View
	F                int
	N                int
	MessagesSent     uint64
	MessagesReceived uint64
	ViewRaises       uint64
	LogSize          int
}
