package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rmax-ai/raciflow/pkg/api"
	"github.com/rmax-ai/raciflow/pkg/blob"
	"github.com/rmax-ai/raciflow/pkg/buffer"
	"github.com/rmax-ai/raciflow/pkg/engine"
	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/process"
	"github.com/rmax-ai/raciflow/pkg/reconcile"
	"github.com/rmax-ai/raciflow/pkg/store"
	redisstore "github.com/rmax-ai/raciflow/pkg/store/redis"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "raciflow-d: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	logger.Info("system_started", "backend", cfg.MatrixBackend, "addr", cfg.Addr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed_to_close_store", "error", err)
		}
	}()
	logger.Info("store_initialized", "path", cfg.DBPath)

	provider, initial, err := loadProcess(cfg.ProcessPath)
	if err != nil {
		return err
	}
	validator, err := loadValidator(cfg.RulesPath)
	if err != nil {
		return err
	}

	var (
		matrixStore   matrix.Store
		flowSnapshots reconcile.SnapshotStore
		projection    *engine.MatrixProjection
		shared        *redisstore.MatrixStore
	)
	switch cfg.MatrixBackend {
	case "redis":
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		shared = redisstore.NewMatrixStore(client, cfg.RedisPrefix)
		matrixStore, flowSnapshots = shared, shared
	default:
		projection = engine.NewMatrixProjection()
		n, err := engine.RestoreMatrix(ctx, st, projection)
		if err != nil {
			return fmt.Errorf("failed to restore matrix: %w", err)
		}
		logger.Info("matrix_restored", "events_replayed", n, "tasks", projection.Matrix().Len())
		matrixStore = engine.NewEventStore(st, projection, "daemon")
		flowSnapshots = engine.NewFlowState(st)
	}

	if err := seedMatrix(ctx, matrixStore, initial); err != nil {
		return err
	}

	eng, err := engine.New(engine.Deps{
		Matrix:        matrixStore,
		Provider:      provider,
		Tasks:         provider,
		Validator:     validator,
		Events:        st,
		FlowSnapshots: flowSnapshots,
		Scheduler:     buffer.NewTimerScheduler(),
		Delay:         cfg.Delay,
		Capacity:      cfg.Capacity,
		Origin:        "daemon",
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}
	defer eng.Close()

	res, err := eng.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("startup reconcile failed: %w", err)
	}
	logger.Info("startup_reconciled",
		"roles_created", res.RolesCreated,
		"chain_nodes", res.ChainNodes,
		"gateways_created", res.GatewaysCreated,
		"errors", len(res.Errors),
		"warnings", len(res.Warnings),
	)

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	spawn(engine.NewDispatcher(st, logger.With("worker", "dispatcher")).Start)
	if projection != nil {
		spawn(engine.NewSnapshotWorker(st, projection, cfg.SnapshotInterval, logger.With("worker", "snapshot")).Run)
		spawn(engine.NewArchiveWorker(st, blob.NewLocalBlobStore(cfg.BlobDir), engine.ArchiveConfig{
			Enabled:       cfg.ArchiveEnabled,
			Retention:     cfg.ArchiveRetention,
			CheckInterval: cfg.ArchiveInterval,
		}, logger.With("worker", "archive")).Run)
	} else if cfg.ArchiveEnabled {
		logger.Warn("archive_skipped", "reason", "requires the memory matrix backend")
	}
	if shared != nil {
		changes, err := shared.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("failed to subscribe to matrix changes: %w", err)
		}
		spawn(func(ctx context.Context) { watchSharedMatrix(ctx, eng, changes, logger) })
	}

	srv := api.NewServer(eng, st, cfg.Addr, logger.With("component", "api"))
	srv.SetAuthToken(cfg.AuthToken)
	if cfg.TLSCert != "" {
		srv.SetTLS(cfg.TLSCert, cfg.TLSKey)
	}
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

loop:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				if err := reloadRules(validator, cfg.RulesPath); err != nil {
					logger.Error("rules_reload_failed", "path", cfg.RulesPath, "error", err)
				} else {
					logger.Info("rules_reloaded", "path", cfg.RulesPath)
				}
				continue
			}
			logger.Info("shutdown_initiated", "signal", sig.String())
			break loop
		case err := <-srvErr:
			if err != nil {
				cancel()
				wg.Wait()
				return fmt.Errorf("api server failed: %w", err)
			}
			break loop
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", "error", err)
	}
	cancel()
	wg.Wait()
	logger.Info("shutdown_complete")
	return nil
}

// loadProcess seeds the in-memory graph from a definition file. Without a
// file the daemon starts with an empty graph.
func loadProcess(path string) (*graph.MemoryProvider, *matrix.Matrix, error) {
	if path == "" {
		return graph.NewMemoryProvider(), matrix.New(), nil
	}
	def, err := process.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load process: %w", err)
	}
	p, err := def.NewProvider()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seed process %q: %w", def.Name, err)
	}
	return p, def.InitialMatrix(), nil
}

func loadValidator(path string) (*validation.Validator, error) {
	if path == "" {
		return validation.NewDefault(), nil
	}
	cfg, err := validation.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return validation.New(cfg), nil
}

func reloadRules(v *validation.Validator, path string) error {
	if path == "" {
		return errors.New("no rules file configured")
	}
	cfg, err := validation.LoadConfig(path)
	if err != nil {
		return err
	}
	v.Update(cfg)
	return nil
}

// seedMatrix stores the definition's matrix when the store is still empty.
func seedMatrix(ctx context.Context, ms matrix.Store, initial *matrix.Matrix) error {
	if initial == nil || initial.Len() == 0 {
		return nil
	}
	current, err := ms.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read matrix: %w", err)
	}
	if current.Len() > 0 {
		return nil
	}
	if err := ms.Set(ctx, initial); err != nil {
		return fmt.Errorf("failed to seed matrix: %w", err)
	}
	return nil
}

// watchSharedMatrix reconciles edits other surfaces write to the shared
// store. Notifications for this daemon's own flushes find nothing new.
func watchSharedMatrix(ctx context.Context, eng *engine.Engine, changes <-chan int64, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case rev, ok := <-changes:
			if !ok {
				return
			}
			res, ran, err := eng.Sync(ctx)
			if err != nil {
				logger.Error("shared_matrix_sync_failed", "revision", rev, "error", err)
				continue
			}
			if ran {
				logger.Info("shared_matrix_synced", "revision", rev, "errors", len(res.Errors))
			}
		}
	}
}
