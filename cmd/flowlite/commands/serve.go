package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/internal/cockpit"
	"git.home.luguber.info/inful/flowlite/internal/config"
	"git.home.luguber.info/inful/flowlite/internal/sample"
	"git.home.luguber.info/inful/flowlite/metrics"
	"git.home.luguber.info/inful/flowlite/observer"
	"git.home.luguber.info/inful/flowlite/scheduler"
	"git.home.luguber.info/inful/flowlite/store/sqlite"
)

// ServeCmd implements the 'serve' command: the cockpit daemon with the
// sqlite store and the configured tick scheduler.
type ServeCmd struct{}

func (s *ServeCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := buildLogger(cfg.Logging, root.Verbose)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := sqlite.Open(cfg.Database, sqlite.WithStateFactory(sample.NewState))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	var (
		registry *prometheus.Registry
		recorder metrics.Recorder = metrics.NoopRecorder{}
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(registry)
	}

	sched, err := buildScheduler(ctx, cfg, store, log)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Events:    store.Events(),
		History:   store.History(),
		Scheduler: sched,
		Metrics:   recorder,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	flowDef, err := sample.Build()
	if err != nil {
		return fmt.Errorf("build sample flow: %w", err)
	}
	if err := eng.RegisterFlow(sample.FlowID, flowDef, store.Persister(sample.FlowID)); err != nil {
		return fmt.Errorf("register sample flow: %w", err)
	}

	server, err := cockpit.New(cockpit.Options{
		Listen:   cfg.Listen,
		Facade:   observer.New(eng, store, store),
		Logger:   log,
		Registry: registry,
	})
	if err != nil {
		return err
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	var watcher *config.Watcher
	if root.Config != "" {
		watcher, err = config.NewWatcher(root.Config, log, func(next *config.Config) {
			// Only verbosity applies live; everything else needs a restart.
			applyLogLevel(next.Logging)
			log.Info("Configuration reloaded; non-logging changes take effect on restart")
		})
		if err != nil {
			log.Warn("Config watcher unavailable", slog.Any("error", err))
		} else if err := watcher.Start(ctx); err != nil {
			log.Warn("Config watcher failed to start", slog.Any("error", err))
		}
	}

	errChan := make(chan error, 1)
	go func() { errChan <- server.Start() }()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("cockpit server: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Scheduler.GracePeriod.Std())
	defer stopCancel()

	if err := server.Shutdown(stopCtx); err != nil {
		log.Warn("Cockpit shutdown incomplete", slog.Any("error", err))
	}
	if err := sched.Stop(stopCtx); err != nil {
		log.Warn("Scheduler shutdown incomplete", slog.Any("error", err))
	}
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			log.Warn("Config watcher stop failed", slog.Any("error", err))
		}
	}
	log.Info("Daemon stopped")
	return nil
}

func buildScheduler(ctx context.Context, cfg *config.Config, store *sqlite.Store, log *slog.Logger) (engine.TickScheduler, error) {
	switch cfg.Scheduler.Kind {
	case config.SchedulerInProcess:
		return scheduler.NewInProcess(
			scheduler.WithWorkers(cfg.Scheduler.Workers),
			scheduler.WithLogger(log),
		), nil
	case config.SchedulerSQLite:
		sched, err := scheduler.NewSQLite(store.DB(),
			scheduler.WithPollInterval(cfg.Scheduler.PollInterval.Std()),
			scheduler.WithSQLiteWorkers(cfg.Scheduler.Workers),
			scheduler.WithSQLiteLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("build sqlite scheduler: %w", err)
		}
		return sched, nil
	case config.SchedulerNATS:
		sched, err := scheduler.NewNATS(ctx, cfg.NATS.URL,
			scheduler.WithNATSStream(cfg.NATS.Stream),
			scheduler.WithNATSLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("build nats scheduler: %w", err)
		}
		return sched, nil
	default:
		return nil, fmt.Errorf("unknown scheduler kind %q", cfg.Scheduler.Kind)
	}
}
