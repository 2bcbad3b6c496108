package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/taskpulse/internal/agent"
	"github.com/ent0n29/taskpulse/internal/capture"
	"github.com/ent0n29/taskpulse/internal/config"
	"github.com/ent0n29/taskpulse/internal/delivery"
	"github.com/ent0n29/taskpulse/internal/eventlog"
	"github.com/ent0n29/taskpulse/internal/httpapi"
	"github.com/ent0n29/taskpulse/internal/observability"
	"github.com/ent0n29/taskpulse/internal/session"
	"github.com/ent0n29/taskpulse/internal/taskruntime"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Sessions    *session.Manager
	Dispatcher  *delivery.Dispatcher
	TaskService *taskruntime.Service
	Metrics     *observability.Metrics
	StoreKind   string

	store    eventlog.Store
	recorder *capture.Recorder
}

// Build assembles the service graph. Start must be called before serving and
// Close on shutdown.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, storeKind, err := eventlog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("event log init failed: %w", err)
	}

	adapter, err := agent.NewAdapter(agent.Config{
		Mode:    cfg.AgentAdapterMode,
		HTTPURL: cfg.AgentHTTPURL,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("agent adapter init failed: %w", err)
	}

	var recorder *capture.Recorder
	if cfg.CapturePath != "" {
		recorder, err = capture.Create(cfg.CapturePath)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("stream capture init failed: %w", err)
		}
	}

	dispatcher := delivery.NewDispatcher(delivery.Config{
		QueueCapacity:  cfg.DeliveryQueueCapacity,
		EnqueueTimeout: cfg.DeliveryEnqueueTimeout,
		WriteTimeout:   cfg.DeliveryWriteTimeout,
		Retention:      cfg.DeliveryReplayRetention,
		PersistBuffer:  cfg.DeliveryPersistBuffer,
	}, delivery.NewRegistry(), store, metrics, logger)
	if recorder != nil {
		dispatcher.SetTap(recorder)
	}

	taskService := taskruntime.New(taskruntime.Config{
		TaskTimeout: cfg.TaskTimeout,
		IdleTimeout: cfg.TaskIdleTimeout,
	}, adapter, dispatcher, metrics, logger)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	api := httpapi.New(cfg, sessions, taskService, dispatcher, metrics, logger)

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Sessions:    sessions,
		Dispatcher:  dispatcher,
		TaskService: taskService,
		Metrics:     metrics,
		StoreKind:   storeKind,
		store:       store,
		recorder:    recorder,
	}, nil
}

// Start runs the background workers until ctx is done.
func (b *BuildResult) Start(ctx context.Context) {
	b.Dispatcher.Start(ctx)
	b.Sessions.StartJanitor(ctx, janitorInterval(b.Config))
}

// Close stops running tasks first so their terminal events are enqueued, then
// tears down delivery, the event log and the capture file.
func (b *BuildResult) Close(ctx context.Context) error {
	var errs []error
	if err := b.TaskService.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("task runtime: %w", err))
	}
	if err := b.Dispatcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("delivery: %w", err))
	}
	if err := b.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event log: %w", err))
	}
	if b.recorder != nil {
		if err := b.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("capture: %w", err))
		}
	}
	return errors.Join(errs...)
}

func janitorInterval(cfg config.Config) time.Duration {
	interval := cfg.SessionInactivityTimeout / 6
	if interval < time.Second {
		return time.Second
	}
	if interval > 5*time.Second {
		return 5 * time.Second
	}
	return interval
}
