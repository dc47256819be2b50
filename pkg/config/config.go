// Package config handles nornicmemd configuration via environment variables,
// with an optional YAML file overlay for values not worth setting one
// environment variable per field.
//
// Configuration is loaded from environment variables using LoadFromEnv() and
// can be validated with Validate() before use.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment Variables:
//
//   - NORNICMEM_DATA_DIR="./data"
//   - NORNICMEM_SOCKET_PATH="/tmp/nornicmem.sock"
//   - NORNICMEM_MAX_CLIENTS=10
//   - NORNICMEM_VECTOR_DIM=1536
//   - NORNICMEM_VECTOR_BACKEND="auto"
//   - NORNICMEM_LOG_LEVEL="info"
//   - NORNICMEM_CONFIG_FILE="" (optional YAML overlay path)
//
// For the complete list, see the DaemonConfig field documentation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/nornicmem/pkg/fusion"
	"github.com/orneryd/nornicmem/pkg/vector"
)

// DaemonConfig holds all nornicmemd configuration.
//
// Organized into the same component sections the daemon is built from:
// Storage, IPC, Vector, Hypergraph, TimeIndex, Fusion, Logging.
//
// Use LoadFromEnv to build one from the environment (with an optional YAML
// overlay), then Validate before handing it to cmd/nornicmemd's wiring.
type DaemonConfig struct {
	// Storage settings shared by the badger-backed stores.
	Storage StorageConfig

	// IPC server settings (SPEC_FULL §4.7).
	IPC IPCConfig

	// Vector Index settings (SPEC_FULL §4.1).
	Vector VectorConfig

	// Hypergraph snapshot settings (SPEC_FULL §4.3).
	Hypergraph HypergraphConfig

	// TimeIndex settings (SPEC_FULL §4.2).
	TimeIndex TimeIndexConfig

	// Quad-Fusion settings (SPEC_FULL §4.6).
	Fusion FusionConfig

	// Logging settings.
	Logging LoggingConfig

	// overlayErr holds a YAML overlay read/parse failure from LoadFromEnv,
	// surfaced on the next Validate call rather than at load time.
	overlayErr error
}

// StorageConfig holds badger-backed storage settings.
type StorageConfig struct {
	// DataDir is the directory housing the badger database shared by the
	// Episode and Pattern/Feedback stores.
	DataDir string
	// HypergraphSnapshotPath is the JSON snapshot file for the Hypergraph
	// Store.
	HypergraphSnapshotPath string
	// VectorSnapshotPath is the persisted Vector Index file.
	VectorSnapshotPath string
	// TimeIndexSnapshotPath is the persisted B+ tree file.
	TimeIndexSnapshotPath string
}

// IPCConfig mirrors ipc.Config; kept as a separate type here so pkg/config
// has no import-time dependency on pkg/ipc, and is copied field-by-field by
// the caller that wires the two together.
type IPCConfig struct {
	// SocketPath is the Unix domain socket path.
	SocketPath string
	// MaxClients bounds concurrent connections.
	MaxClients int
	// KeepaliveInterval is reset on read/write activity.
	KeepaliveInterval time.Duration
	// GracefulShutdown bounds how long Stop waits before force-closing.
	GracefulShutdown time.Duration
}

// VectorConfig holds Vector Index settings.
type VectorConfig struct {
	// Dim is the embedding dimensionality, fixed at open time (SPEC_FULL
	// Open Question: mismatched persisted data is refused, not migrated).
	Dim int
	// Metric is one of cosine, euclidean, dot, manhattan.
	Metric string
	// Backend selects {auto, graph, leann, bruteforce}.
	Backend string
	// QuantizationEnabled turns on int8 symmetric quantization re-rank.
	QuantizationEnabled bool
}

// HypergraphConfig holds Hypergraph Store snapshot settings.
type HypergraphConfig struct {
	// LockTimeout bounds the advisory file lock's retry backoff
	// (SPEC_FULL §4.3: "5 attempts, 100ms->lockTimeout backoff").
	LockTimeout time.Duration
}

// TimeIndexConfig holds B+ tree settings.
type TimeIndexConfig struct {
	// Order is the B+ tree branching factor.
	Order int
}

// FusionConfig holds Quad-Fusion weighting and timeout settings.
type FusionConfig struct {
	WeightVector   float64
	WeightGraph    float64
	WeightPattern  float64
	WeightEpisodic float64

	// PerSourceTimeout bounds each of the four concurrent source calls.
	PerSourceTimeout time.Duration
	// TopK is the default result count when a query does not specify one.
	TopK int
	// MinPatternConfidence gates the pattern source's min-confidence rule.
	MinPatternConfidence float64
	// ResultCacheSize bounds the memoized-result cache; 0 disables it.
	ResultCacheSize int
	// ResultCacheTTL is how long a memoized result stays valid.
	ResultCacheTTL time.Duration
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is one of json, console.
	Format string
	// Output is stdout, stderr, or a file path.
	Output string
}

// LoadFromEnv loads configuration from environment variables, then applies
// a YAML overlay from NORNICMEM_CONFIG_FILE if set, matching the teacher's
// env-first-then-file layering. All values have sensible defaults, so
// LoadFromEnv can be called with no environment variables set.
func LoadFromEnv() *DaemonConfig {
	cfg := &DaemonConfig{}

	cfg.Storage.DataDir = getEnv("NORNICMEM_DATA_DIR", "./data")
	cfg.Storage.HypergraphSnapshotPath = getEnv("NORNICMEM_HYPERGRAPH_SNAPSHOT", "./data/hypergraph.json")
	cfg.Storage.VectorSnapshotPath = getEnv("NORNICMEM_VECTOR_SNAPSHOT", "./data/vectors.snap")
	cfg.Storage.TimeIndexSnapshotPath = getEnv("NORNICMEM_TIMEINDEX_SNAPSHOT", "./data/timeindex.snap")

	cfg.IPC.SocketPath = getEnv("NORNICMEM_SOCKET_PATH", "/tmp/nornicmem.sock")
	cfg.IPC.MaxClients = getEnvInt("NORNICMEM_MAX_CLIENTS", 10)
	cfg.IPC.KeepaliveInterval = getEnvDuration("NORNICMEM_KEEPALIVE_INTERVAL", 30*time.Second)
	cfg.IPC.GracefulShutdown = getEnvDuration("NORNICMEM_GRACEFUL_SHUTDOWN", 5000*time.Millisecond)

	cfg.Vector.Dim = getEnvInt("NORNICMEM_VECTOR_DIM", 1536)
	cfg.Vector.Metric = getEnv("NORNICMEM_VECTOR_METRIC", "cosine")
	cfg.Vector.Backend = getEnv("NORNICMEM_VECTOR_BACKEND", "auto")
	cfg.Vector.QuantizationEnabled = getEnvBool("NORNICMEM_VECTOR_QUANTIZATION", false)

	cfg.Hypergraph.LockTimeout = getEnvDuration("NORNICMEM_HYPERGRAPH_LOCK_TIMEOUT", 2*time.Second)

	cfg.TimeIndex.Order = getEnvInt("NORNICMEM_TIMEINDEX_ORDER", 32)

	defaultWeights := fusion.DefaultWeights()
	cfg.Fusion.WeightVector = getEnvFloat("NORNICMEM_FUSION_WEIGHT_VECTOR", defaultWeights.Vector)
	cfg.Fusion.WeightGraph = getEnvFloat("NORNICMEM_FUSION_WEIGHT_GRAPH", defaultWeights.Graph)
	cfg.Fusion.WeightPattern = getEnvFloat("NORNICMEM_FUSION_WEIGHT_PATTERN", defaultWeights.Pattern)
	cfg.Fusion.WeightEpisodic = getEnvFloat("NORNICMEM_FUSION_WEIGHT_EPISODIC", defaultWeights.Episodic)
	cfg.Fusion.PerSourceTimeout = getEnvDuration("NORNICMEM_FUSION_PER_SOURCE_TIMEOUT", fusion.DefaultPerSourceTimeout)
	cfg.Fusion.TopK = getEnvInt("NORNICMEM_FUSION_TOP_K", fusion.DefaultTopK)
	cfg.Fusion.MinPatternConfidence = getEnvFloat("NORNICMEM_FUSION_MIN_PATTERN_CONFIDENCE", fusion.DefaultMinPatternConfidence)
	cfg.Fusion.ResultCacheSize = getEnvInt("NORNICMEM_FUSION_RESULT_CACHE_SIZE", fusion.DefaultResultCacheSize)
	cfg.Fusion.ResultCacheTTL = getEnvDuration("NORNICMEM_FUSION_RESULT_CACHE_TTL", fusion.DefaultResultCacheTTL)

	cfg.Logging.Level = getEnv("NORNICMEM_LOG_LEVEL", "info")
	cfg.Logging.Format = getEnv("NORNICMEM_LOG_FORMAT", "json")
	cfg.Logging.Output = getEnv("NORNICMEM_LOG_OUTPUT", "stderr")

	if path := getEnv("NORNICMEM_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyYAMLOverlay(path); err != nil {
			// A missing or malformed overlay is surfaced at Validate time
			// via the same error path as any other bad value, rather than
			// panicking during load.
			cfg.overlayErr = err
		}
	}

	return cfg
}

// applyYAMLOverlay unmarshals path over cfg's already-defaulted fields;
// fields absent from the file are left untouched.
func (c *DaemonConfig) applyYAMLOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config overlay %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config overlay %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for internally-consistent values.
func (c *DaemonConfig) Validate() error {
	if c.overlayErr != nil {
		return c.overlayErr
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data dir must not be empty")
	}
	if c.IPC.SocketPath == "" {
		return fmt.Errorf("ipc socket path must not be empty")
	}
	if c.IPC.MaxClients <= 0 {
		return fmt.Errorf("invalid max clients: %d", c.IPC.MaxClients)
	}
	if c.Vector.Dim <= 0 {
		return fmt.Errorf("invalid vector dim: %d", c.Vector.Dim)
	}
	switch vector.Metric(c.Vector.Metric) {
	case vector.Cosine, vector.Euclidean, vector.Dot, vector.Manhattan:
	default:
		return fmt.Errorf("invalid vector metric: %q", c.Vector.Metric)
	}
	switch c.Vector.Backend {
	case "auto", "graph", "leann", "bruteforce":
	default:
		return fmt.Errorf("invalid vector backend: %q", c.Vector.Backend)
	}
	sum := c.Fusion.WeightVector + c.Fusion.WeightGraph + c.Fusion.WeightPattern + c.Fusion.WeightEpisodic
	if sum <= 0 {
		return fmt.Errorf("fusion weights must sum to a positive value, got %f", sum)
	}
	return nil
}

// String returns a string representation of the DaemonConfig safe for
// logging; there are no secrets in this configuration today; the method is
// kept for parity with the teacher's Config.String and as the deliberate
// place to redact from if one is ever added.
func (c *DaemonConfig) String() string {
	return fmt.Sprintf(
		"DaemonConfig{DataDir: %s, Socket: %s, VectorDim: %d, Backend: %s}",
		c.Storage.DataDir, c.IPC.SocketPath, c.Vector.Dim, c.Vector.Backend,
	)
}

// Helper functions for environment variable parsing, in the teacher's
// getEnv* idiom.

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
