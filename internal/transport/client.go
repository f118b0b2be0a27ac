package transport

import (
	"context"
	"fmt"
	"net/rpc"
	"sync"

	"github.com/ruvnet/pbftsim/internal/consensus"
)

// Client is a net/rpc handle to one peer replica. It implements
// consensus.PeerClient: every method bounds the RPC call by ctx's
// deadline by racing it against ctx.Done() on a dedicated goroutine.
// Establishing the connection (ensureConn, on first use or after a
// dropped connection) is not bounded by ctx.
type Client struct {
	addr string

	mu   sync.Mutex
	conn *rpc.Client
}

var _ consensus.PeerClient = (*Client)(nil)

// Dial returns a Client for addr. The underlying connection is
// established lazily on first call so that constructing a full peer
// map doesn't require every peer to already be listening.
func Dial(addr string) *Client {
	return &Client{addr: addr}
}

func (c *Client) ensureConn() (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := rpc.Dial("tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// call issues one RPC, bounding it by ctx. A ctx expiry drops the
// cached connection so a wedged socket doesn't poison every subsequent
// call.
func call[Req any, Reply any](ctx context.Context, c *Client, method string, req *Req, reply *Reply) error {
	conn, err := c.ensureConn()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Call("Replica."+method, req, reply)
	}()

	select {
	case err := <-done:
		if err != nil {
			c.dropConn()
			return fmt.Errorf("rpc %s: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.dropConn()
		return fmt.Errorf("rpc %s: %w", method, ctx.Err())
	}
}

func (c *Client) Ping(ctx context.Context) (*consensus.PingReply, error) {
	reply := &consensus.PingReply{}
	if err := call(ctx, c, "Ping", &consensus.Empty{}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) GetStatus(ctx context.Context) (*consensus.StatusReply, error) {
	reply := &consensus.StatusReply{}
	if err := call(ctx, c, "GetStatus", &consensus.Empty{}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) SubmitClientRequest(ctx context.Context, req *consensus.ClientRequest) (*consensus.ClientReply, error) {
	reply := &consensus.ClientReply{}
	if err := call(ctx, c, "SubmitClientRequest", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) PrePrepare(ctx context.Context, req *consensus.PrePrepareRequest) (*consensus.Ack, error) {
	reply := &consensus.Ack{}
	if err := call(ctx, c, "PrePrepare", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) Prepare(ctx context.Context, req *consensus.PrepareRequest) (*consensus.Ack, error) {
	reply := &consensus.Ack{}
	if err := call(ctx, c, "Prepare", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) Commit(ctx context.Context, req *consensus.CommitRequest) (*consensus.Ack, error) {
	reply := &consensus.Ack{}
	if err := call(ctx, c, "Commit", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) SetView(ctx context.Context, req *consensus.SetViewRequest) (*consensus.Ack, error) {
	reply := &consensus.Ack{}
	if err := call(ctx, c, "SetView", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) Kill(ctx context.Context) error {
	return call(ctx, c, "Kill", &consensus.Empty{}, &consensus.Empty{})
}

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	c.dropConn()
	return nil
}
