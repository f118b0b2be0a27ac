// Command replica runs a single PBFT simulator node: it loads its
// provisioning from flags (falling back to environment variables via
// internal/config), dials every peer, starts the RPC server, and blocks
// until an interrupt.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ruvnet/pbftsim/internal/client"
	"github.com/ruvnet/pbftsim/internal/config"
	"github.com/ruvnet/pbftsim/internal/consensus"
	"github.com/ruvnet/pbftsim/internal/transport"
	"github.com/ruvnet/pbftsim/pkg/metrics"
)

var (
	flagNodeID           int32
	flagHost             string
	flagPort             int
	flagPeers            string
	flagByzantine        bool
	flagBroadcastPrepare bool
	flagRequestTimeout   time.Duration
	flagMetricsPort      int
	flagSmokeRequest     string
)

var rootCmd = &cobra.Command{
	Use:   "replica",
	Short: "Run one node of a PBFT consensus simulator cluster",
	RunE:  run,
}

func init() {
	rootCmd.Flags().Int32Var(&flagNodeID, "id", 0, "this replica's node id (if unset: PBFT_NODE_ID, else 1)")
	rootCmd.Flags().StringVar(&flagHost, "host", "0.0.0.0", "address to listen on")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "port to listen on (if unset: PBFT_PORT, else 5001)")
	rootCmd.Flags().StringVar(&flagPeers, "peers", "", "comma-separated id@host:port list of the full cluster membership, including self")
	rootCmd.Flags().BoolVar(&flagByzantine, "byzantine", false, "run this replica as an adversary")
	rootCmd.Flags().BoolVar(&flagBroadcastPrepare, "broadcast-prepare", true, "multicast PREPARE on accepting a PRE-PREPARE")
	rootCmd.Flags().DurationVar(&flagRequestTimeout, "request-timeout", 30*time.Second, "how long a primary waits for a client request to execute")
	rootCmd.Flags().IntVar(&flagMetricsPort, "metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	rootCmd.Flags().StringVar(&flagSmokeRequest, "smoke-request", "", "if set, submit this payload to the cluster once startup completes and print the reply")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cmd.Flags().Changed("id") {
		cfg.NodeID = flagNodeID
	}
	if cmd.Flags().Changed("host") {
		cfg.Host = flagHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = flagPort
	}
	if cmd.Flags().Changed("peers") {
		peers, err := config.ParsePeers(flagPeers, cfg.NodeID)
		if err != nil {
			return fmt.Errorf("parsing --peers: %w", err)
		}
		cfg.Peers = peers
	}
	if cmd.Flags().Changed("byzantine") {
		cfg.Byzantine = flagByzantine
	}
	if cmd.Flags().Changed("broadcast-prepare") {
		cfg.BroadcastPrepare = flagBroadcastPrepare
	}
	if cmd.Flags().Changed("request-timeout") {
		cfg.RequestTimeout = flagRequestTimeout
	}
	if cmd.Flags().Changed("metrics-port") {
		cfg.MetricsPort = flagMetricsPort
	}

	if cfg.Port == 0 {
		return fmt.Errorf("--port is required")
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.LogLevel != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
			zapCfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	logger, err := zapCfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	peerClients := make(map[consensus.ReplicaID]consensus.PeerClient, len(cfg.Peers))
	peerIDs := make([]int32, 0, len(cfg.Peers))
	for id := range cfg.Peers {
		peerIDs = append(peerIDs, id)
	}
	sort.Slice(peerIDs, func(i, j int) bool { return peerIDs[i] < peerIDs[j] })
	for _, id := range peerIDs {
		addr := cfg.Peers[id]
		peerClients[consensus.ReplicaID(id)] = transport.Dial(addr)
		logger.Info("registered peer", zap.Int32("peer_id", id), zap.String("addr", addr))
	}

	metricsRecorder := metrics.NewMetrics()

	replicaCfg := consensus.Config{
		NodeID:           consensus.ReplicaID(cfg.NodeID),
		Peers:            replicaIDs(peerIDs),
		Byzantine:        cfg.Byzantine,
		BroadcastPrepare: cfg.BroadcastPrepare,
		RequestTimeout:   cfg.RequestTimeout,
	}
	replica := consensus.NewReplica(replicaCfg, peerClients, logger, metricsRecorder)
	metricsRecorder.SetClusterShape(replica.F(), replica.N())

	server := transport.NewServer(replica, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	boundAddr, err := server.Listen(addr)
	if err != nil {
		return fmt.Errorf("starting rpc server: %w", err)
	}
	logger.Info("replica listening", zap.String("addr", boundAddr), zap.Bool("byzantine", cfg.Byzantine))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsRecorder.Registry(), promhttp.HandlerOpts{}))
		go func() {
			logger.Info("metrics listening", zap.String("addr", metricsAddr))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	if len(cfg.Peers) > 0 {
		go replica.SyncViewFromPeers(ctx)
	}

	if flagSmokeRequest != "" {
		go runSmokeRequest(cfg, logger)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down replica")

	cancel()
	_ = server.Close()

	logger.Info("replica exited")
	return nil
}

func runSmokeRequest(cfg *config.Config, logger *zap.Logger) {
	time.Sleep(500 * time.Millisecond)
	c := client.New("127.0.0.1", cfg.Port, "")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout+5*time.Second)
	defer cancel()
	reply, err := c.Submit(ctx, flagSmokeRequest)
	if err != nil {
		logger.Error("smoke request failed", zap.Error(err))
		return
	}
	logger.Info("smoke request reply",
		zap.Bool("committed", reply.Committed),
		zap.Uint64("view", uint64(reply.View)),
		zap.Uint64("seq", uint64(reply.Seq)),
		zap.String("result", reply.Result),
		zap.String("error", reply.Error),
	)
}

func replicaIDs(ids []int32) []consensus.ReplicaID {
	out := make([]consensus.ReplicaID, len(ids))
	for i, id := range ids {
		out[i] = consensus.ReplicaID(id)
	}
	return out
}
