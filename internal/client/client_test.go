package client_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/pbftsim/internal/client"
	"github.com/ruvnet/pbftsim/internal/consensus"
	"github.com/ruvnet/pbftsim/internal/transport"
)

// startCluster boots n real replicas on real TCP listeners starting at
// basePort, fully meshed over transport.Client/transport.Server — the
// genuine wire path, not an in-process fake. It returns a cleanup func.
func startCluster(t *testing.T, n int, basePort int) func() {
	t.Helper()
	logger := zaptest.NewLogger(t)

	ids := make([]consensus.ReplicaID, n)
	addrs := make(map[consensus.ReplicaID]string, n)
	for i := 0; i < n; i++ {
		ids[i] = consensus.ReplicaID(i + 1)
		addrs[ids[i]] = fmt.Sprintf("127.0.0.1:%d", basePort+i)
	}

	servers := make([]*transport.Server, 0, n)
	for _, id := range ids {
		peers := make([]consensus.ReplicaID, 0, n-1)
		peerClients := make(map[consensus.ReplicaID]consensus.PeerClient, n-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
				peerClients[other] = transport.Dial(addrs[other])
			}
		}
		r := consensus.NewReplica(consensus.Config{
			NodeID:           id,
			Peers:            peers,
			BroadcastPrepare: true,
			RequestTimeout:   3 * time.Second,
		}, peerClients, logger, nil)

		srv := transport.NewServer(r, logger)
		if _, err := srv.Listen(addrs[id]); err != nil {
			t.Fatalf("listen for replica %s on %s: %v", id, addrs[id], err)
		}
		servers = append(servers, srv)
	}

	return func() {
		for _, s := range servers {
			_ = s.Close()
		}
	}
}

// S6 — the client's default target address is down; Submit transparently
// retries the rest of the default port range and succeeds via whichever
// replica answers (here, the live primary one port up).
func TestClient_FallbackAcrossDefaultPortRange(t *testing.T) {
	const base = client.DefaultPortRangeStart + 1 // leave the first port in
	// the range unbound, standing in for an unreachable target address.
	cleanup := startCluster(t, 4, base)
	defer cleanup()

	c := client.New("127.0.0.1", client.DefaultPortRangeStart, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := c.Submit(ctx, "fallback-payload")
	if err != nil {
		t.Fatalf("expected fallback to find a live replica, got error: %v", err)
	}
	if !reply.Committed || reply.Result != "fallback-payload" {
		t.Fatalf("expected committed reply with echoed payload, got %+v", reply)
	}
}

// A request that reaches a live, non-primary replica is transparently
// forwarded rather than rejected.
func TestClient_ForwardsThroughNonPrimary(t *testing.T) {
	const base = 5020
	cleanup := startCluster(t, 4, base)
	defer cleanup()

	// Node id 3 listens on base+2 and is not the primary at view 0.
	c := client.New("127.0.0.1", base+2, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := c.Submit(ctx, "via-non-primary")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.Committed || reply.Result != "via-non-primary" {
		t.Fatalf("expected committed reply, got %+v", reply)
	}
}
