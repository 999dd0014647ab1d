package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rsguard/rsguard/internal/checker"
	"github.com/rsguard/rsguard/internal/codec"
	"github.com/rsguard/rsguard/internal/config"
	"github.com/rsguard/rsguard/internal/logging"
	"github.com/rsguard/rsguard/internal/metadata"
	"github.com/rsguard/rsguard/internal/protect"
	"github.com/rsguard/rsguard/internal/repair"
	"github.com/rsguard/rsguard/internal/router"
	"github.com/rsguard/rsguard/internal/shardstore"
	"github.com/rsguard/rsguard/internal/status"
	"github.com/rsguard/rsguard/internal/watcher"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("rsguard starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime)

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open metadata store
	meta, err := metadata.Open(cfg.Storage.MetadataPath())
	if err != nil {
		logger.Fatal("Failed to open metadata store", "error", err)
	}
	defer func() { _ = meta.Close() }()
	logger.Info("Metadata store opened", "path", cfg.Storage.MetadataPath())

	// 5. Initialize shard store and codec
	shards, err := shardstore.New(cfg.Storage.ShardDir())
	if err != nil {
		logger.Fatal("Failed to initialize shard store", "error", err)
	}

	enc, err := codec.New(cfg.Protection.DataShards, cfg.Protection.ParityShards)
	if err != nil {
		logger.Fatal("Failed to initialize codec", "error", err)
	}
	logger.Info("Codec ready",
		"data_shards", cfg.Protection.DataShards,
		"parity_shards", cfg.Protection.ParityShards,
		"chunk_size", cfg.Protection.ChunkSize)

	// 6. Status tracker
	tracker := status.NewTracker(cfg.Protection.WatchedDirectories,
		cfg.Protection.DataShards, cfg.Protection.ParityShards)
	tracker.AppendLog("rsguard %s starting", Version)

	// 7. Ingestion pipeline and filesystem watcher
	encoder := protect.NewEncoder(enc, meta, shards, tracker, logger, cfg.Protection.ChunkSize)
	pipeline := protect.NewPipeline(encoder, logger)

	fsWatcher, err := watcher.New(watcher.Config{
		DebounceWindow:    cfg.Protection.DebounceWindow,
		StabilityInterval: cfg.Protection.StabilityInterval,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create filesystem watcher", "error", err)
	}

	for _, dir := range cfg.Protection.WatchedDirectories {
		if err := fsWatcher.Watch(dir); err != nil {
			logger.Fatal("Failed to watch directory", "dir", dir, "error", err)
		}
		logger.Info("Watching directory", "dir", dir)
	}

	pipeline.Start(fsWatcher.Events())
	fsWatcher.Start()

	// 8. Startup scan to catch changes made while the daemon was down
	scanner := protect.NewScanner(encoder, meta, tracker, logger, cfg.Protection.MaxConcurrentFiles)
	go func() {
		if err := scanner.Scan(ctx, cfg.Protection.WatchedDirectories); err != nil {
			logger.Error("Startup scan failed", "error", err)
		}
	}()

	// 9. Integrity checker and repairer
	chk := checker.New(meta, shards, tracker, logger)
	rep := repair.New(meta, shards, chk, tracker, logger)

	if cfg.Checker.Enabled {
		go runPeriodicChecks(ctx, chk, logger, cfg.Checker.Interval)
		logger.Info("Periodic integrity checks enabled", "interval", cfg.Checker.Interval)
	}

	// 10. Start HTTP server
	app := router.New(ctx, logger, tracker, chk, rep)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		serverErr <- app.Listen(addr)
	}()

	// 11. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	// 12. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	fsWatcher.Stop()
	pipeline.Stop()

	logger.Info("rsguard stopped")
}

// runPeriodicChecks runs an integrity check on a fixed interval. A busy
// operation gate skips the tick instead of queueing.
func runPeriodicChecks(ctx context.Context, chk *checker.Checker, logger *logging.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := chk.Run(ctx); err != nil {
				if errors.Is(err, status.ErrOperationInProgress) {
					logger.Warn("Skipping periodic check, operation in progress")
					continue
				}
				logger.Error("Periodic check failed", "error", err)
			}
		}
	}
}
