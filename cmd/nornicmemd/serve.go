package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/orneryd/nornicmem/pkg/config"
	"github.com/orneryd/nornicmem/pkg/episode"
	"github.com/orneryd/nornicmem/pkg/fusion"
	"github.com/orneryd/nornicmem/pkg/hypergraph"
	"github.com/orneryd/nornicmem/pkg/ipc"
	"github.com/orneryd/nornicmem/pkg/obs"
	"github.com/orneryd/nornicmem/pkg/obslog"
	"github.com/orneryd/nornicmem/pkg/pattern"
	"github.com/orneryd/nornicmem/pkg/timeindex"
	"github.com/orneryd/nornicmem/pkg/vector"
)

// graphIndexRefreshInterval bounds how stale the graph source's BM25 index
// can get after an out-of-band graph.addNode/addEdge call; the hypergraph
// Store has no change-notification hook (pkg/fusion/sources.go), so a
// periodic refresh is the daemon's own job rather than the store's.
const graphIndexRefreshInterval = 5 * time.Second

// snapshotInterval is how often the daemon persists the Vector Index,
// Hypergraph, and Time Index snapshots to disk while running, in addition
// to the save-on-shutdown pass.
const snapshotInterval = 60 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := obslog.New(cfg.Logging)
	otel.SetLogger(obslog.NewLogr(logger))
	logger.Info().Str("socket", cfg.IPC.SocketPath).Str("data_dir", cfg.Storage.DataDir).Msg("starting nornicmemd")

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	badgerOpts := badger.DefaultOptions(filepath.Join(cfg.Storage.DataDir, "badger")).
		WithLogger(obslog.NewBadgerLogger(logger))
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return fmt.Errorf("opening badger: %w", err)
	}
	defer db.Close()

	vecCfg := vector.DefaultConfig(cfg.Vector.Dim, vector.Metric(cfg.Vector.Metric))
	vecCfg.Backend = vector.Backend(cfg.Vector.Backend)
	vecCfg.Quantization.Enabled = cfg.Vector.QuantizationEnabled
	vecIdx, err := vector.Open(vecCfg, 0)
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}
	if loaded, err := vecIdx.Load(cfg.Storage.VectorSnapshotPath); err != nil {
		return fmt.Errorf("loading vector snapshot: %w", err)
	} else if loaded {
		logger.Info().Str("path", cfg.Storage.VectorSnapshotPath).Int("count", vecIdx.Count()).Msg("loaded vector index snapshot")
	}

	timeTree := timeindex.New(timeindex.Config{Order: cfg.TimeIndex.Order})
	if loaded, err := timeTree.Load(cfg.Storage.TimeIndexSnapshotPath); err != nil {
		return fmt.Errorf("loading time index snapshot: %w", err)
	} else if loaded {
		logger.Info().Str("path", cfg.Storage.TimeIndexSnapshotPath).Int("count", timeTree.Count()).Msg("loaded time index snapshot")
	}

	graphStore := hypergraph.New()
	if loaded, err := graphStore.Load(cfg.Storage.HypergraphSnapshotPath, cfg.Hypergraph.LockTimeout); err != nil {
		return fmt.Errorf("loading hypergraph snapshot: %w", err)
	} else if loaded {
		logger.Info().Str("path", cfg.Storage.HypergraphSnapshotPath).Int("nodes", graphStore.NodeCount()).Msg("loaded hypergraph snapshot")
	}

	patternStore := pattern.New(db)
	episodeStore := episode.New(db, vecIdx, timeTree)

	fusionCfg := fusion.Config{
		Weights: fusion.Weights{
			Vector:   cfg.Fusion.WeightVector,
			Graph:    cfg.Fusion.WeightGraph,
			Pattern:  cfg.Fusion.WeightPattern,
			Episodic: cfg.Fusion.WeightEpisodic,
		},
		PerSourceTimeout:     cfg.Fusion.PerSourceTimeout,
		TopK:                 cfg.Fusion.TopK,
		MinPatternConfidence: cfg.Fusion.MinPatternConfidence,
		ResultCacheSize:      cfg.Fusion.ResultCacheSize,
		ResultCacheTTL:       cfg.Fusion.ResultCacheTTL,
	}
	engine := fusion.NewEngine(fusionCfg, vecIdx, graphStore, patternStore, episodeStore)

	bus := obs.NewBus()
	metrics, err := obs.NewMetrics()
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	registry := ipc.NewRegistry()
	ipc.RegisterEpisodeService(registry, episodeStore)
	ipc.RegisterHyperedgeService(registry, graphStore)
	ipc.RegisterGraphService(registry, graphStore)
	ipc.RegisterVectorService(registry, vecIdx)
	ipc.RegisterSearchService(registry, engine)
	ipc.RegisterPatternService(registry, patternStore)

	server := ipc.NewServer(ipc.Config{
		SocketPath:        cfg.IPC.SocketPath,
		MaxClients:        cfg.IPC.MaxClients,
		KeepaliveInterval: cfg.IPC.KeepaliveInterval,
		GracefulShutdown:  cfg.IPC.GracefulShutdown,
		Events:            bus,
		Metrics:           metrics,
	}, registry)

	logEvents, unsubscribe := bus.Subscribe(obs.DefaultSubscriberBuffer)
	defer unsubscribe()
	go logLifecycleEvents(logger, logEvents)

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting ipc server: %w", err)
	}
	logger.Info().Str("socket", cfg.IPC.SocketPath).Msg("ipc server listening")

	refreshTicker := time.NewTicker(graphIndexRefreshInterval)
	defer refreshTicker.Stop()
	snapshotTicker := time.NewTicker(snapshotInterval)
	defer snapshotTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

loop:
	for {
		select {
		case <-refreshTicker.C:
			engine.RefreshGraphIndex()
		case <-snapshotTicker.C:
			saveSnapshots(logger, cfg, vecIdx, graphStore, timeTree)
		case <-sigCh:
			break loop
		}
	}

	logger.Info().Msg("shutting down")
	if err := server.Stop(); err != nil {
		logger.Error().Err(err).Msg("ipc server stop error")
	}
	saveSnapshots(logger, cfg, vecIdx, graphStore, timeTree)
	logger.Info().Msg("shutdown complete")
	return nil
}

// saveSnapshots persists the Vector Index, Hypergraph, and Time Index to
// their configured paths, logging (not failing) on individual errors so one
// backend's write failure doesn't block the other two.
func saveSnapshots(logger zerolog.Logger, cfg *config.DaemonConfig, vecIdx vector.Index, graphStore *hypergraph.Store, timeTree *timeindex.Tree) {
	if err := vecIdx.Save(cfg.Storage.VectorSnapshotPath); err != nil {
		logger.Error().Err(err).Msg("saving vector index snapshot")
	}
	if err := graphStore.Save(cfg.Storage.HypergraphSnapshotPath, cfg.Hypergraph.LockTimeout); err != nil {
		logger.Error().Err(err).Msg("saving hypergraph snapshot")
	}
	if err := timeTree.Save(cfg.Storage.TimeIndexSnapshotPath); err != nil {
		logger.Error().Err(err).Msg("saving time index snapshot")
	}
	logger.Debug().Msg("snapshots saved")
}

// logLifecycleEvents drains the observability bus's subscriber channel onto
// the structured logger until it is closed by unsubscribe.
func logLifecycleEvents(logger zerolog.Logger, events <-chan ipc.LifecycleEvent) {
	for ev := range events {
		e := logger.Info()
		for k, v := range ev.Fields {
			e = e.Interface(k, v)
		}
		e.Str("event", string(ev.Kind)).Time("ts", ev.Timestamp).Msg("lifecycle event")
	}
}
