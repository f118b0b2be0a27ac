package consensus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PeerClient is the consensus engine's view of a per-peer transport
// handle: one unary RPC per method, each expected to honor ctx's
// deadline and to report transport failures distinctly from
// replica-level rejections (an Ack/ClientReply with Ok=false /
// Error set is not a transport failure). internal/transport provides
// the production implementation; tests may substitute an in-process
// fake that calls another Replica's handlers directly.
type PeerClient interface {
	Ping(ctx context.Context) (*PingReply, error)
	GetStatus(ctx context.Context) (*StatusReply, error)
	SubmitClientRequest(ctx context.Context, req *ClientRequest) (*ClientReply, error)
	PrePrepare(ctx context.Context, req *PrePrepareRequest) (*Ack, error)
	Prepare(ctx context.Context, req *PrepareRequest) (*Ack, error)
	Commit(ctx context.Context, req *CommitRequest) (*Ack, error)
	SetView(ctx context.Context, req *SetViewRequest) (*Ack, error)
	Kill(ctx context.Context) error
}

// MetricsRecorder receives counter updates from the consensus engine. It
// is satisfied by pkg/metrics.Metrics; tests may leave it nil.
type MetricsRecorder interface {
	MessageSent(kind string)
	MessageReceived(kind string)
	ViewRaised(view uint64)
	ClientRequestLatency(seconds float64)
	ClientRequestResult(committed bool)
	IncClientRequestsInFlight()
	DecClientRequestsInFlight()
}

// Default RPC deadlines: protocol multicasts use 500ms, SET-VIEW 500ms,
// ping 400ms. Client forwards use the caller's own timeout.
const (
	MulticastDeadline     = 500 * time.Millisecond
	SetViewDeadline       = 500 * time.Millisecond
	PingDeadline          = 400 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
)

// Replica holds one PBFT replica's entire mutable state: identity,
// membership, view, sequence counter, message log, pending buffers, and
// conflict evidence. All reads and read-modify-writes of this state
// happen while mu is held; outbound RPCs are always issued after
// releasing it.
type Replica struct {
	nodeID ReplicaID
	peers  map[ReplicaID]PeerClient
	// replicaIDs is the sorted list of every member (self + peers),
	// cached at construction since membership is fixed for a run.
	replicaIDs []ReplicaID
	n          int
	f          int

	logger  *zap.Logger
	metrics MetricsRecorder

	strategy AdversaryStrategy

	mu sync.Mutex

	alive bool
	view  View

	nextSeq Seq

	log map[slotKey]*logEntry

	pendingPrepares map[pendingKey]map[ReplicaID]struct{}
	pendingCommits  map[pendingKey]map[ReplicaID]struct{}

	conflictingPrepares map[slotKey]map[ReplicaID]struct{}

	broadcastPrepare bool
	requestTimeout   time.Duration

	// pingLimiter throttles ensure_live_primary's ping-and-bump retries
	// so a partitioned primary can't be hammered with connection
	// attempts once every hop in the loop fails instantly.
	pingLimiter *rate.Limiter

	messagesSent     uint64
	messagesReceived uint64
	viewRaises       uint64
}

// NewReplica constructs a replica for node cfg.NodeID given its peers'
// client handles. n = len(peers)+1 must equal 3f+1; NewReplica panics at
// provisioning time otherwise (this is enforced by the launcher, not a
// recoverable runtime condition).
func NewReplica(cfg Config, peers map[ReplicaID]PeerClient, logger *zap.Logger, metrics MetricsRecorder) *Replica {
	ids := make([]ReplicaID, 0, len(cfg.Peers)+1)
	ids = append(ids, cfg.NodeID)
	ids = append(ids, cfg.Peers...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	n := len(ids)
	f := (n - 1) / 3
	if f < 0 {
		f = 0
	}
	if n != 3*f+1 {
		panic(fmt.Sprintf("pbftsim: invalid membership: n=%d is not 3f+1 for any f", n))
	}

	reqTimeout := cfg.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = DefaultRequestTimeout
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	strategy := StrategyFor(cfg.Byzantine)

	return &Replica{
		nodeID:              cfg.NodeID,
		peers:               peers,
		replicaIDs:          ids,
		n:                   n,
		f:                   f,
		logger:              logger.With(zap.Int32("node_id", int32(cfg.NodeID))),
		metrics:             metrics,
		strategy:            strategy,
		alive:               true,
		view:                0,
		nextSeq:             1,
		log:                 make(map[slotKey]*logEntry),
		pendingPrepares:     make(map[pendingKey]map[ReplicaID]struct{}),
		pendingCommits:      make(map[pendingKey]map[ReplicaID]struct{}),
		conflictingPrepares: make(map[slotKey]map[ReplicaID]struct{}),
		broadcastPrepare:    cfg.BroadcastPrepare,
		requestTimeout:      reqTimeout,
		pingLimiter:         rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

// NodeID returns this replica's own id.
func (r *Replica) NodeID() ReplicaID { return r.nodeID }

// F returns the tolerated Byzantine fault count.
func (r *Replica) F() int { return r.f }

// N returns the replica-set size.
func (r *Replica) N() int { return r.n }

// primaryIDLocked returns the primary for the current view. Caller must
// hold mu.
func (r *Replica) primaryIDLocked() ReplicaID {
	return r.replicaIDs[int(r.view)%r.n]
}

// View returns the current view.
func (r *Replica) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// PrimaryID returns the current primary's id.
func (r *Replica) PrimaryID() ReplicaID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primaryIDLocked()
}

// IsPrimary reports whether this replica is currently primary.
func (r *Replica) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primaryIDLocked() == r.nodeID
}

// IsAlive reports whether this replica is participating (not crashed).
func (r *Replica) IsAlive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

// Kill simulates a crash: every handler starts returning "node is not
// alive" until the process is restarted.
func (r *Replica) Kill() {
	r.mu.Lock()
	r.alive = false
	r.mu.Unlock()
	r.logger.Warn("replica killed")
}

// Status answers GetStatus.
func (r *Replica) Status() *StatusReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	role := RoleReplica
	primary := r.primaryIDLocked()
	if primary == r.nodeID {
		role = RolePrimary
	}
	return &StatusReply{
		NodeID:    r.nodeID,
		Role:      string(role),
		View:      r.view,
		Alive:     r.alive,
		PrimaryID: primary,
		F:         r.f,
		N:         r.n,
		LastSeq:   r.nextSeq - 1,
	}
}

// Metrics returns a point-in-time snapshot of protocol counters.
func (r *Replica) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metrics{
		View:             r.view,
		F:                r.f,
		N:                r.n,
		MessagesSent:     r.messagesSent,
		MessagesReceived: r.messagesReceived,
		ViewRaises:       r.viewRaises,
		LogSize:          len(r.log),
	}
}

func (r *Replica) recordSent(kind string) {
	r.mu.Lock()
	r.messagesSent++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.MessageSent(kind)
	}
}

func (r *Replica) recordReceived(kind string) {
	r.mu.Lock()
	r.messagesReceived++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.MessageReceived(kind)
	}
}

// peerIDs returns every member other than self, in a stable order.
func (r *Replica) peerIDs() []ReplicaID {
	out := make([]ReplicaID, 0, r.n-1)
	for _, id := range r.replicaIDs {
		if id != r.nodeID {
			out = append(out, id)
		}
	}
	return out
}
