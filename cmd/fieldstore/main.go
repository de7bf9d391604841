package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/devrev/pairdb/fieldstore/internal/cache"
	"github.com/devrev/pairdb/fieldstore/internal/changes"
	"github.com/devrev/pairdb/fieldstore/internal/config"
	"github.com/devrev/pairdb/fieldstore/internal/conflict"
	"github.com/devrev/pairdb/fieldstore/internal/datastore"
	"github.com/devrev/pairdb/fieldstore/internal/engine"
	"github.com/devrev/pairdb/fieldstore/internal/index"
	"github.com/devrev/pairdb/fieldstore/internal/metrics"
	"github.com/devrev/pairdb/fieldstore/internal/replication"
	"github.com/devrev/pairdb/fieldstore/internal/server"
	"github.com/devrev/pairdb/fieldstore/internal/syncservice"
	"github.com/devrev/pairdb/fieldstore/internal/util/workerpool"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("user", cfg.Server.User),
		zap.Int("port", cfg.Server.Port))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Node failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Server.NodeID)
	}

	logDir := filepath.Join(cfg.Storage.DataDir, "commitlog")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	eng, err := engine.Open(engine.Config{
		Dir:         logDir,
		SegmentSize: cfg.Storage.SegmentSize,
		SyncWrites:  cfg.Storage.SyncWrites,
	}, logger.Named("engine"))
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer eng.Close()

	defs := index.DefaultDefinitions()
	if cfg.Index.DefinitionsFile != "" {
		defs, err = index.LoadDefinitionsFile(cfg.Index.DefinitionsFile)
		if err != nil {
			return fmt.Errorf("load index definitions: %w", err)
		}
	}
	ci, err := index.NewConstraintIndex(defs)
	if err != nil {
		return fmt.Errorf("build constraint index: %w", err)
	}
	facade := index.NewFacade(ci, logger.Named("index"), m)

	store := datastore.NewStore(eng, datastore.Options{
		TombstoneCapacity: cfg.Storage.TombstoneCapacity,
		TombstoneGrace:    cfg.Storage.TombstoneGrace,
		FeedBuffer:        cfg.Storage.FeedBuffer,
	}, logger.Named("datastore"), m)
	docCache := cache.NewDocumentCache(cache.Config{
		MaxEntries:      cfg.Cache.MaxEntries,
		FrequencyWeight: cfg.Cache.FrequencyWeight,
		RecencyWeight:   cfg.Cache.RecencyWeight,
		AdaptiveWindow:  cfg.Cache.AdaptiveWindow,
	}, logger.Named("cache"), m)

	store.StartFeed(ctx)
	stream := changes.NewStream(store, facade, docCache, changes.Config{
		NotificationBuffer: cfg.Changes.NotificationBuffer,
	}, logger.Named("changes"), m)
	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("start changes stream: %w", err)
	}
	logger.Info("Index built", zap.Int("documents", facade.Len()))

	pool := workerpool.NewKeyedPool(&workerpool.Config{
		Name:      "conflicts",
		Workers:   cfg.Conflicts.Workers,
		QueueSize: cfg.Conflicts.QueueSize,
		Logger:    logger.Named("workerpool"),
	})
	defer pool.Stop(10 * time.Second)
	resolver := conflict.NewResolver(store, pool, logger.Named("conflict"), m)

	if cfg.Conflicts.AutoResolve {
		auto := conflict.NewAutoResolver(resolver, facade, cfg.Server.User, cfg.Conflicts.SweepInterval, logger.Named("auto-resolver"))
		go auto.Run(ctx, stream.Conflicted())
	}

	replicator := replication.NewReplicator(eng, replication.Config{
		PollInterval:      cfg.Replication.PollInterval,
		RequestTimeout:    cfg.Replication.RequestTimeout,
		RequestsPerSecond: cfg.Replication.RequestsPerSecond,
		Burst:             cfg.Replication.Burst,
		BatchSize:         cfg.Replication.BatchSize,
	}, logger.Named("replication"), m)

	syncSvc := syncservice.New(replicator, cfg.Sync.RetryDelay, logger.Named("sync"), m)
	syncSvc.Init(syncservice.Settings{
		Address:  cfg.Sync.Target,
		Project:  cfg.Sync.Project,
		Password: cfg.Sync.Password,
	})
	defer syncSvc.Close()

	health := server.NewHealthChecker(cfg.Server.NodeID, cfg.Storage.DataDir, logger.Named("health"))
	health.AddProbe("changes_stream", func() (bool, string) {
		if !stream.Ready() {
			return false, "index not built"
		}
		select {
		case <-stream.Done():
			return false, "change processing stopped"
		default:
			return true, "processing changes"
		}
	})
	go health.Start(ctx, 10*time.Second)

	routes := []server.Route{
		server.NewAPI(datastore.NewCachedStore(store, docCache), facade, resolver, syncSvc, cfg.Server.WriteTimeout, logger.Named("api")),
	}
	if cfg.Replication.Enabled {
		routes = append(routes, replication.NewHandler(eng, cfg.Sync.Project, cfg.Replication.Password, logger.Named("replication"), m))
	}

	srv := server.NewServer(server.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		User:              cfg.Server.User,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MetricsPath:       cfg.Metrics.Path,
		CollectInterval:   cfg.Metrics.CollectInterval,
		DataDir:           cfg.Storage.DataDir,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
	}, health, m, server.NewFeedHandler(stream, logger.Named("feed")), logger.Named("server"), routes...)

	go maintain(ctx, cfg, eng, docCache, pool, m, logger)

	syncSvc.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	syncSvc.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

// maintain compacts the engine, adapts cache weights and refreshes gauges
func maintain(ctx context.Context, cfg *config.Config, eng *engine.Engine, docCache *cache.DocumentCache, pool *workerpool.KeyedPool, m *metrics.Metrics, logger *zap.Logger) {
	compaction := time.NewTicker(cfg.Storage.CompactionInterval)
	defer compaction.Stop()
	adapt := time.NewTicker(cfg.Cache.AdaptiveWindow)
	defer adapt.Stop()
	stats := time.NewTicker(cfg.Metrics.CollectInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-compaction.C:
			n, err := eng.Compact(ctx)
			if err != nil {
				logger.Error("Compaction failed", zap.Error(err))
				continue
			}
			logger.Info("Compaction finished", zap.Int("revisions", n))
		case <-adapt.C:
			docCache.AdjustWeights()
		case <-stats.C:
			s := eng.Stats()
			m.UpdateEngineStats(s.Seq, s.Documents)
			ps := pool.Stats()
			m.UpdateWorkerPoolStats(ps.Name, ps.QueueUtilization(), ps.SuccessRate(), ps.ActiveWorkers, ps.RejectedTasks)
			if ps.RejectedTasks > 0 {
				logger.Debug("Conflict queue rejected tasks",
					zap.Uint64("rejected", ps.RejectedTasks),
					zap.Float64("queue_utilization", ps.QueueUtilization()))
			}
		}
	}
}

// initLogger builds the zap logger; a configured file is rotated with lumberjack
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	sink := zapcore.Lock(os.Stderr)
	if cfg.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), nil
}
