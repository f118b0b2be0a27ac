// Package config loads replica provisioning parameters from environment
// variables, layered under whatever cmd/replica's cobra flags supply.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config holds one replica's complete provisioning: its own identity
// and every peer it needs a client handle for.
type Config struct {
	NodeID int32            `json:"node_id"`
	Host   string           `json:"host"`
	Port   int              `json:"port"`
	Peers  map[int32]string `json:"peers"` // replica id -> "host:port", self excluded

	Byzantine        bool          `json:"byzantine"`
	BroadcastPrepare bool          `json:"broadcast_prepare"`
	RequestTimeout   time.Duration `json:"request_timeout"`

	// MetricsPort is where the Prometheus /metrics endpoint listens.
	// Zero disables it.
	MetricsPort int `json:"metrics_port"`

	LogLevel string `json:"log_level"`
}

// Load reads configuration from environment variables, applying the
// same defaults a locally-run single replica would want. cmd/replica's
// flags take precedence over these when set explicitly.
func Load() *Config {
	nodeID := int32(getEnvInt("PBFT_NODE_ID", 1))
	peers, _ := ParsePeers(getEnv("PBFT_PEERS", ""), nodeID)
	return &Config{
		NodeID:           nodeID,
		Host:             getEnv("PBFT_HOST", "0.0.0.0"),
		Port:             getEnvInt("PBFT_PORT", 5001),
		Peers:            peers,
		Byzantine:        getEnvBool("PBFT_BYZANTINE", false),
		BroadcastPrepare: getEnvBool("PBFT_BROADCAST_PREPARE", true),
		RequestTimeout:   time.Duration(getEnvInt("PBFT_REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
		MetricsPort:      getEnvInt("PBFT_METRICS_PORT", 0),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
}

// ParsePeers parses a comma-separated "id@host:port" list describing the
// full cluster membership, including self. The entry matching selfID is
// dropped, leaving only the peers a replica needs a client handle for.
func ParsePeers(spec string, selfID int32) (map[int32]string, error) {
	peers := make(map[int32]string)
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return peers, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid peer entry %q: expected id@host:port", entry)
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid peer id in %q: %w", entry, err)
		}
		if int32(id) == selfID {
			continue
		}
		peers[int32(id)] = strings.TrimSpace(parts[1])
	}
	return peers, nil
}

// SortedPeerIDs returns the peer ids in ascending order, for stable
// iteration and logging.
func (c *Config) SortedPeerIDs() []int32 {
	ids := make([]int32, 0, len(c.Peers))
	for id := range c.Peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
