// Package transport wires internal/consensus's Replica onto the wire
// using net/rpc: a registered RPC service accepts connections on a TCP
// listener, and a per-peer client issues deadline-bounded calls. The
// wire codec itself (net/rpc's gob framing) is treated as opaque.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"go.uber.org/zap"

	"github.com/ruvnet/pbftsim/internal/consensus"
	rerrors "github.com/ruvnet/pbftsim/internal/errors"
)

// Server exposes a Replica's operations as net/rpc methods. Method
// names and signatures here are the wire contract: they must match
// what Client dials by name.
type Server struct {
	replica *consensus.Replica

	mu       sync.Mutex
	listener net.Listener
	rpcSrv   *rpc.Server
	wg       sync.WaitGroup
	stopCh   chan struct{}
	logger   *zap.Logger
}

// NewServer wraps replica for RPC exposure.
func NewServer(replica *consensus.Replica, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{replica: replica, logger: logger, stopCh: make(chan struct{})}
}

// Listen binds addr and starts accepting connections in the background.
// The RPC server dispatches each accepted connection on its own
// goroutine, giving the worker-pool-of-at-least-ten concurrency the
// protocol design calls for without needing an explicit pool: Go's
// runtime scheduler supplies it.
func (s *Server) Listen(addr string) (string, error) {
	s.rpcSrv = rpc.NewServer()
	if err := s.rpcSrv.RegisterName("Replica", (*rpcService)(s)); err != nil {
		return "", fmt.Errorf("register rpc service: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop()

	return ln.Addr().String(), nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug("accept failed", zap.Error(err))
				continue
			}
		}
		go s.rpcSrv.ServeConn(conn)
	}
}

// Close stops accepting new connections. In-flight calls are not
// interrupted.
func (s *Server) Close() error {
	close(s.stopCh)
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	return nil
}

// rpcService is Server reshaped so its methods satisfy net/rpc's
// calling convention (func(args, *reply) error) without polluting
// Server's own API with that signature shape.
type rpcService Server

// Ping fails outright when the replica has been killed, so callers like
// ensure_live_primary see a dead node the same way they'd see an
// unreachable one, even though the process is still listening.
func (s *rpcService) Ping(args *consensus.Empty, reply *consensus.PingReply) error {
	if !s.replica.IsAlive() {
		return rerrors.NotAlive()
	}
	*reply = consensus.PingReply{Message: "pong"}
	return nil
}

func (s *rpcService) GetStatus(args *consensus.Empty, reply *consensus.StatusReply) error {
	*reply = *s.replica.Status()
	return nil
}

func (s *rpcService) SubmitClientRequest(args *consensus.ClientRequest, reply *consensus.ClientReply) error {
	*reply = *s.replica.SubmitClientRequest(context.Background(), *args)
	return nil
}

func (s *rpcService) PrePrepare(args *consensus.PrePrepareRequest, reply *consensus.Ack) error {
	*reply = *s.replica.OnPrePrepare(context.Background(), args)
	return nil
}

func (s *rpcService) Prepare(args *consensus.PrepareRequest, reply *consensus.Ack) error {
	*reply = *s.replica.OnPrepare(context.Background(), args)
	return nil
}

func (s *rpcService) Commit(args *consensus.CommitRequest, reply *consensus.Ack) error {
	*reply = *s.replica.OnCommit(context.Background(), args)
	return nil
}

func (s *rpcService) SetView(args *consensus.SetViewRequest, reply *consensus.Ack) error {
	*reply = *s.replica.OnSetView(context.Background(), args)
	return nil
}

func (s *rpcService) Kill(args *consensus.Empty, reply *consensus.Empty) error {
	s.replica.Kill()
	return nil
}
