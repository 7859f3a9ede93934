package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"batchd/pkg/config"
	"batchd/pkg/observability"
	"batchd/pkg/server"
	"batchd/pkg/task"
)

// run is the main entry point after CLI parsing.
//
// The binary serves a built-in echo handler (optionally delayed) so the
// server can be exercised end to end; real deployments embed pkg/task with
// their own Handler instead.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("batchd started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := task.NewStore(task.Options{
		Retention:     time.Duration(cfg.Store.RetentionMS) * time.Millisecond,
		MaxWait:       time.Duration(cfg.Store.MaxFetchWaitMS) * time.Millisecond,
		MaxBatchItems: cfg.Store.MaxBatchItems,
		QueueDepth:    cfg.Pool.QueueDepth,
	})
	defer store.Close()

	handler := func(ctx context.Context, payload []byte) ([]byte, error) {
		if opts.Delay > 0 {
			select {
			case <-time.After(opts.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return payload, nil
	}

	pool := task.NewPool(cfg.Pool.Workers, handler, store.Input())
	pool.Start(ctx)
	zap.L().Info("worker pool running", zap.Int("workers", pool.Size()))

	dist := task.NewDistributor(store, pool.Output())
	go dist.Run(ctx)

	if cfg.SocketAddr != "" {
		sock := server.NewSocket(store, pool)
		if err := sock.Start(ctx, cfg.SocketAddr); err != nil {
			zap.L().Error("failed to start socket front end", zap.Error(err))
			return 1
		}
		defer sock.Close()
		zap.L().Info("socket front end listening", zap.String("addr", cfg.SocketAddr))
	}

	httpSrv := server.NewHTTP(store, pool)
	httpErr := make(chan error, 1)
	go func() { httpErr <- httpSrv.Start(cfg.HTTPAddr) }()
	zap.L().Info("http front end listening", zap.String("addr", cfg.HTTPAddr))

	select {
	case <-ctx.Done():
		zap.L().Info("shutting down")
	case err := <-httpErr:
		if err != nil {
			zap.L().Error("http front end failed", zap.Error(err))
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("http shutdown incomplete", zap.Error(err))
	}
	pool.Wait()
	return 0
}
