package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/relay/internal/api"
	"github.com/hyperengineering/relay/internal/broadcast"
	"github.com/hyperengineering/relay/internal/config"
	"github.com/hyperengineering/relay/internal/queue"
	"github.com/hyperengineering/relay/internal/remote"
	"github.com/hyperengineering/relay/internal/replication"
	"github.com/hyperengineering/relay/internal/rowstore"
	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/syncer"
	"github.com/hyperengineering/relay/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - Client-Side Replication Engine",
	RunE:  run,
}

// engine bundles the assembled replication components so subcommands share
// one wiring path with the daemon.
type engine struct {
	db       *store.SQLiteStore
	rows     *rowstore.Store
	queue    *queue.Queue
	bus      *replication.Bus
	caster   broadcast.Broadcaster
	manager  *replication.Manager
	sourceID string
}

func (e *engine) close() {
	e.rows.Close()
	if err := e.caster.Close(); err != nil {
		slog.Error("broadcaster close error", "error", err)
	}
	if err := e.db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
}

// buildEngine assembles the full replication stack from configuration.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	sourceID, err := db.EnsureSourceID(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("source identity loaded", "source_id", sourceID)

	backup, err := buildBackup(cfg, sourceID)
	if err != nil {
		db.Close()
		return nil, err
	}

	bus := replication.NewBus()
	q, err := queue.Open(ctx, db, backup, queue.Config{
		Capacity:    cfg.Queue.Capacity,
		MaxRetries:  cfg.Queue.MaxRetries,
		BackoffBase: time.Duration(cfg.Queue.BackoffBase),
		Retention:   time.Duration(cfg.Queue.Retention),
	}, bus.Emit)
	if err != nil {
		db.Close()
		return nil, err
	}

	rows := rowstore.New(db, sourceID, rowstore.Config{
		TTL:              time.Duration(cfg.Cache.TTL),
		ProtectionWindow: time.Duration(cfg.Cache.ProtectionWindow),
		DebounceWindow:   time.Duration(cfg.Cache.DebounceWindow),
		FrequencyWeight:  cfg.Cache.FrequencyWeight,
		RecencyWeight:    cfg.Cache.RecencyWeight,
		QueryTimeout:     time.Duration(cfg.Cache.QueryTimeout),
	})

	rstore := remote.NewHTTPStore(cfg.Remote.URL, cfg.Remote.APIKey)

	syncCfg := syncer.DefaultConfig()
	syncCfg.PageSize = cfg.Sync.PageSize
	syncCfg.StreamingThreshold = cfg.Sync.StreamingThreshold
	syncCfg.IncrementalCutoff = cfg.Sync.IncrementalCutoff
	syncCfg.QuotaBytes = cfg.Cache.QuotaBytes
	sEngine := syncer.New(rows, db, q, rstore, syncCfg)

	caster, err := buildBroadcaster(cfg, sourceID)
	if err != nil {
		rows.Close()
		db.Close()
		return nil, err
	}

	manager := replication.New(rows, db, q, sEngine, rstore, caster, bus, replication.Config{
		Tables:             cfg.Sync.Tables,
		MaxConcurrentSyncs: cfg.Sync.MaxConcurrent,
		FullSyncInterval:   time.Duration(cfg.Sync.FullSyncInterval),
		PingInterval:       time.Duration(cfg.Remote.PingInterval),
		FeedBackoff:        time.Duration(cfg.Remote.FeedBackoff),
	})

	return &engine{
		db:       db,
		rows:     rows,
		queue:    q,
		bus:      bus,
		caster:   caster,
		manager:  manager,
		sourceID: sourceID,
	}, nil
}

// buildBackup picks the queue mirror: object store when a bucket is
// configured, local file when a path is, otherwise none.
func buildBackup(cfg *config.Config, sourceID string) (queue.Backup, error) {
	if cfg.Backup.Bucket != "" {
		b, err := queue.NewS3Backup(queue.S3Config{
			Endpoint:  cfg.Backup.Endpoint,
			Bucket:    cfg.Backup.Bucket,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
			Region:    cfg.Backup.Region,
			UseSSL:    cfg.Backup.UseSSL,
		}, sourceID)
		if err != nil {
			return nil, err
		}
		slog.Info("queue backup initialized", "kind", "s3", "bucket", cfg.Backup.Bucket)
		return b, nil
	}
	if cfg.Backup.FilePath != "" {
		b, err := queue.NewFileBackup(cfg.Backup.FilePath)
		if err != nil {
			return nil, err
		}
		slog.Info("queue backup initialized", "kind", "file", "path", cfg.Backup.FilePath)
		return b, nil
	}
	return nil, nil
}

// buildBroadcaster picks the cross-context change channel: a shared spool
// file when configured, otherwise in-process only.
func buildBroadcaster(cfg *config.Config, sourceID string) (broadcast.Broadcaster, error) {
	if cfg.Broadcast.SpoolPath != "" {
		f, err := broadcast.NewFile(cfg.Broadcast.SpoolPath, sourceID, time.Duration(cfg.Broadcast.PollInterval))
		if err != nil {
			return nil, err
		}
		slog.Info("broadcast spool initialized", "path", cfg.Broadcast.SpoolPath)
		return f, nil
	}
	return broadcast.NewMemory(), nil
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	initLogger(cfg.Log)
	slog.Info("configuration loaded", "tables", cfg.Sync.Tables)

	// 4. Assemble the replication engine
	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}

	// 5. Initialize HTTP router
	handler := api.NewHandler(eng.manager, eng.rows, eng.queue, cfg.Server.APIKey, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 6. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 7. Worker lifecycle infrastructure
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "replication-manager", eng.manager.Run)
	startWorker(ctx, &wg, "sync-coordinator",
		worker.NewSyncCoordinator(eng.manager, time.Duration(cfg.Sync.Interval)).Run)
	startWorker(ctx, &wg, "purge-coordinator",
		worker.NewPurgeCoordinator(eng.queue, time.Duration(cfg.Sync.PurgeInterval)).Run)

	// 8. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Any other error indicates an actual server failure
		// that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 9. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 10. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 10a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 10b. Wait for workers to complete
	wg.Wait()

	// 10c. Release engine resources
	eng.close()

	slog.Info("shutdown complete")
	return nil
}

func initLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
