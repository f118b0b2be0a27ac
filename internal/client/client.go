// Package client is a plain Go API for submitting requests into a PBFT
// simulator cluster. It is not a command-line tool: cmd/replica's
// optional --smoke-request flag and the test suite are its only
// callers. It owns the one piece of client-side fallback behavior the
// protocol design allows: when the targeted address is unreachable,
// retry the simulator's default port range before giving up.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ruvnet/pbftsim/internal/consensus"
	"github.com/ruvnet/pbftsim/internal/transport"
)

// DefaultPortRangeStart and DefaultPortRangeEnd bound the simulator's
// conventional port assignment (one replica per port, 5001..5010).
const (
	DefaultPortRangeStart = 5001
	DefaultPortRangeEnd   = 5010
)

// Client submits requests to a cluster via a single target address,
// transparently trying the rest of the default port range if that
// address is unreachable.
type Client struct {
	clientID string
	host     string
	port     int
}

// New returns a Client targeting host:port. If clientID is empty, a
// random one is generated.
func New(host string, port int, clientID string) *Client {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Client{clientID: clientID, host: host, port: port}
}

// Submit sends payload as a new request, retrying other ports in the
// default range (skipping the original) if the primary target is
// unreachable. It returns the last error encountered if every attempt
// fails. No fallback is attempted for a non-transport rejection (e.g.
// "not primary"): that reply is returned as-is, since the request did
// reach a live replica.
func (c *Client) Submit(ctx context.Context, payload string) (*consensus.ClientReply, error) {
	req := &consensus.ClientRequest{
		ClientID:    c.clientID,
		RequestID:   uuid.NewString(),
		TimestampMs: time.Now().UnixMilli(),
		Payload:     payload,
	}

	reply, err := c.submitTo(ctx, c.host, c.port, req)
	if err == nil {
		return reply, nil
	}
	if c.port < DefaultPortRangeStart || c.port > DefaultPortRangeEnd {
		return nil, err
	}

	lastErr := err
	for p := DefaultPortRangeStart; p <= DefaultPortRangeEnd; p++ {
		if p == c.port {
			continue
		}
		reply, err := c.submitTo(ctx, c.host, p, req)
		if err == nil {
			return reply, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) submitTo(ctx context.Context, host string, port int, req *consensus.ClientRequest) (*consensus.ClientReply, error) {
	peer := transport.Dial(fmt.Sprintf("%s:%d", host, port))
	defer peer.Close()
	return peer.SubmitClientRequest(ctx, req)
}
