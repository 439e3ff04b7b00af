package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/upscaler/internal/config"
	"github.com/aliskhannn/upscaler/internal/events"
	"github.com/aliskhannn/upscaler/internal/metadata"
	"github.com/aliskhannn/upscaler/internal/repository/archive"
	"github.com/aliskhannn/upscaler/internal/scheduler"
	upscalesvc "github.com/aliskhannn/upscaler/internal/service/upscale"
	"github.com/aliskhannn/upscaler/internal/storage/queuefile"
	"github.com/aliskhannn/upscaler/internal/worker"
)

const (
	eventBufferSize = 256
	shutdownSlack   = 5 * time.Second
)

// app is a fully wired queue owned by this process.
type app struct {
	cfg     *config.Config
	svc     *upscalesvc.Service
	archive *archive.Repository
	log     zerolog.Logger
}

// openApp loads configuration, wires every layer and takes the queue lock.
func openApp(ctx context.Context, fs *pflag.FlagSet, configPath string) (*app, error) {
	cfg, err := config.Load(configPath, fs)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	log := zlog.Logger

	// Queue document, its backup and the instance lock.
	store, err := queuefile.NewStorage(cfg.Queue.Dir, cfg.Worker.Count, log)
	if err != nil {
		return nil, err
	}

	// Retry strategy for spawning worker subprocesses.
	strategy := retry.Strategy{
		Attempts: cfg.Worker.SpawnRetry.Attempts,
		Delay:    cfg.Worker.SpawnRetry.Delay,
		Backoff:  cfg.Worker.SpawnRetry.Backoff,
	}

	adapter, err := worker.NewAdapter(worker.Options{
		Command:      cfg.Worker.Command,
		Args:         cfg.Worker.Args,
		Env:          cfg.Worker.Env,
		RuntimeDir:   cfg.Queue.RuntimeDir(),
		GracePeriod:  cfg.Worker.GracePeriod,
		StallTimeout: cfg.Worker.StallTimeout,
		SpawnRetry:   strategy,
	}, log)
	if err != nil {
		return nil, err
	}

	repo, err := archive.Open(ctx, cfg.Queue.ArchivePath)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(store, adapter, metadata.New(log).Preserve, log)
	broker := events.NewBroker(eventBufferSize, log)
	svc := upscalesvc.NewService(store, sched, repo, broker, log)

	if err := svc.Open(); err != nil {
		_ = repo.Close()
		return nil, err
	}

	return &app{cfg: cfg, svc: svc, archive: repo, log: log}, nil
}

// close stops workers, persists the queue and releases every resource.
// It gets a fresh context since the caller's is usually cancelled already.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Worker.GracePeriod+shutdownSlack)
	defer cancel()

	err := a.svc.Close(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		a.log.Info().Msg("timeout exceeded, forcing shutdown")
	}
	if cerr := a.archive.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close archive: %w", cerr))
	}
	return err
}
