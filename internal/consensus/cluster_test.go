package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// localPeer is the in-process PeerClient fake the replica.go doc comment
// promises: it calls another Replica's exported handlers directly,
// skipping the wire entirely. Ping and GetStatus short-circuit when the
// target has been killed, the way a real dead process would fail to
// answer at all rather than return an in-band rejection.
type localPeer struct {
	target *Replica
}

var errPeerDown = errors.New("peer unreachable")

func (p *localPeer) Ping(ctx context.Context) (*PingReply, error) {
	if !p.target.IsAlive() {
		return nil, errPeerDown
	}
	return &PingReply{Message: "pong"}, nil
}

func (p *localPeer) GetStatus(ctx context.Context) (*StatusReply, error) {
	if !p.target.IsAlive() {
		return nil, errPeerDown
	}
	return p.target.Status(), nil
}

func (p *localPeer) SubmitClientRequest(ctx context.Context, req *ClientRequest) (*ClientReply, error) {
	return p.target.SubmitClientRequest(ctx, *req), nil
}

func (p *localPeer) PrePrepare(ctx context.Context, req *PrePrepareRequest) (*Ack, error) {
	return p.target.OnPrePrepare(ctx, req), nil
}

func (p *localPeer) Prepare(ctx context.Context, req *PrepareRequest) (*Ack, error) {
	return p.target.OnPrepare(ctx, req), nil
}

func (p *localPeer) Commit(ctx context.Context, req *CommitRequest) (*Ack, error) {
	return p.target.OnCommit(ctx, req), nil
}

func (p *localPeer) SetView(ctx context.Context, req *SetViewRequest) (*Ack, error) {
	return p.target.OnSetView(ctx, req), nil
}

func (p *localPeer) Kill(ctx context.Context) error {
	p.target.Kill()
	return nil
}

var _ PeerClient = (*localPeer)(nil)

// newCluster builds n fully-meshed in-process replicas with ids
// 1..n, wiring every pair of distinct replicas with a localPeer. byz
// marks which ids should run the Byzantine strategy.
func newCluster(t *testing.T, n int, byz map[ReplicaID]bool) map[ReplicaID]*Replica {
	t.Helper()
	ids := make([]ReplicaID, n)
	for i := 0; i < n; i++ {
		ids[i] = ReplicaID(i + 1)
	}

	replicas := make(map[ReplicaID]*Replica, n)
	for _, id := range ids {
		peers := make([]ReplicaID, 0, n-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		cfg := Config{
			NodeID:           id,
			Peers:            peers,
			Byzantine:        byz[id],
			BroadcastPrepare: true,
			RequestTimeout:   2 * time.Second,
		}
		replicas[id] = NewReplica(cfg, map[ReplicaID]PeerClient{}, zaptest.NewLogger(t), nil)
	}

	for _, id := range ids {
		peerClients := make(map[ReplicaID]PeerClient, n-1)
		for _, other := range ids {
			if other != id {
				peerClients[other] = &localPeer{target: replicas[other]}
			}
		}
		replicas[id].peers = peerClients
	}

	return replicas
}

func submit(t *testing.T, r *Replica, clientID, requestID, payload string, forwarded bool) *ClientReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req := ClientRequest{ClientID: clientID, RequestID: requestID, Payload: payload, Forwarded: forwarded}
	return r.SubmitClientRequest(ctx, req)
}

// S1 — n=4, all honest, single request to the primary.
func TestScenario_S1_AllHonestSingleRequest(t *testing.T) {
	cluster := newCluster(t, 4, nil)

	reply := submit(t, cluster[1], "c1", "r1", "hello", false)
	if !reply.Committed || reply.View != 0 || reply.Seq != 1 || reply.Result != "hello" || reply.Error != "" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	key := slotKey{View: 0, Seq: 1}
	// The primary replies as soon as its own entry executes; the other
	// replicas execute when their own COMMIT quorums complete, so give
	// each of them a bounded wait before inspecting its entry.
	deadline := time.Now().Add(2 * time.Second)
	for id, r := range cluster {
		var entry *logEntry
		var ok, executed bool
		for {
			r.mu.Lock()
			entry, ok = r.log[key]
			executed = ok && entry.Executed
			r.mu.Unlock()
			if executed || time.Now().After(deadline) {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if !ok {
			t.Fatalf("replica %s: missing log entry for (0,1)", id)
		}
		if !executed {
			t.Fatalf("replica %s: expected entry executed", id)
		}
		// committed only ever flips once |commits| >= quorum_commit, and
		// that count is monotone up to the instant of execution (late
		// votes after execution are ignored), so this is the one bound
		// every honest run guarantees — not a fully-converged count of
		// all 4 replicas, which a run settles to in practice but doesn't
		// owe a test, since a commit arriving a moment after quorum is
		// reached is validly ignored rather than counted.
		if got := len(entry.Commits); got < 3 {
			t.Fatalf("replica %s: expected >= 3 commits (quorum_commit), got %d", id, got)
		}
		if id != 1 {
			if got := len(entry.Prepares); got < 2 {
				t.Fatalf("replica %s: expected >= 2 prepares (quorum_prepare), got %d", id, got)
			}
		}
	}
}

// S2 — n=4, one crashed replica still reaches commit quorum (3 >= 2f+1).
func TestScenario_S2_OneCrashedReplica(t *testing.T) {
	cluster := newCluster(t, 4, nil)
	cluster[4].Kill()

	reply := submit(t, cluster[1], "c1", "r1", "x", false)
	if !reply.Committed || reply.Seq != 1 {
		t.Fatalf("expected commit with one crashed replica, got %+v", reply)
	}

	cluster[4].mu.Lock()
	_, hasEntry := cluster[4].log[slotKey{View: 0, Seq: 1}]
	cluster[4].mu.Unlock()
	if hasEntry {
		t.Fatalf("expected crashed node 4 to have no log entry")
	}
}

// S3 — n=4, Byzantine primary: the client call rejects immediately, and
// every honest replica eventually raises its view past 0.
func TestScenario_S3_ByzantinePrimary(t *testing.T) {
	cluster := newCluster(t, 4, map[ReplicaID]bool{1: true})

	reply := submit(t, cluster[1], "c1", "r1", "p", false)
	if reply.Committed {
		t.Fatalf("expected a byzantine primary's client call to never report commit")
	}
	if reply.Error == "" {
		t.Fatalf("expected a non-empty error from a byzantine primary")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allRaised := true
		for id, r := range cluster {
			if id == 1 {
				continue
			}
			if r.View() == 0 {
				allRaised = false
			}
		}
		if allRaised {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	for id, r := range cluster {
		if id == 1 {
			continue
		}
		if r.View() == 0 {
			t.Fatalf("expected honest replica %s to raise its view past 0 after byzantine primary activity", id)
		}
	}
}

// S4 — n=4, Byzantine replica (non-primary): its corrupted PREPARE/COMMIT
// are rejected, but honest quorums still reach commit.
func TestScenario_S4_ByzantineReplica(t *testing.T) {
	cluster := newCluster(t, 4, map[ReplicaID]bool{4: true})

	reply := submit(t, cluster[1], "c1", "r1", "y", false)
	if !reply.Committed || reply.Result != "y" {
		t.Fatalf("expected commit despite one byzantine non-primary replica, got %+v", reply)
	}
}

// S5 — forwarding: a client submits to a non-primary, which forwards to
// the primary and relays its eventual reply.
func TestScenario_S5_Forwarding(t *testing.T) {
	cluster := newCluster(t, 4, nil)

	reply := submit(t, cluster[3], "c1", "r1", "forwarded-payload", false)
	if !reply.Committed || reply.Result != "forwarded-payload" {
		t.Fatalf("expected forwarded request to commit, got %+v", reply)
	}
}

// Sequence monotonicity: a second request at the same primary gets the
// next sequence number, never reusing seq 1.
func TestScenario_SequenceMonotonicity(t *testing.T) {
	cluster := newCluster(t, 4, nil)

	first := submit(t, cluster[1], "c1", "r1", "a", false)
	second := submit(t, cluster[1], "c1", "r2", "b", false)
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("expected strictly increasing seq, got %d then %d", first.Seq, second.Seq)
	}
}

// A forwarded request landing on a second non-primary is rejected rather
// than forwarded again, preventing loops.
func TestScenario_ForwardedRequestRejectedOnNonPrimary(t *testing.T) {
	cluster := newCluster(t, 4, nil)
	reply := submit(t, cluster[3], "c1", "r1", "p", true)
	if reply.Committed {
		t.Fatalf("expected a pre-forwarded request on a non-primary to be rejected, not committed")
	}
	if reply.Error == "" {
		t.Fatalf("expected a not-primary error")
	}
}
