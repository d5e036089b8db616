package main

import (
	"fmt"
	"log"

	"github.com/hochfrequenz/agent-pool/internal/agents"
	"github.com/hochfrequenz/agent-pool/internal/config"
	"github.com/hochfrequenz/agent-pool/internal/health"
	"github.com/hochfrequenz/agent-pool/internal/notify"
	"github.com/hochfrequenz/agent-pool/internal/observer"
	"github.com/hochfrequenz/agent-pool/internal/pool"
	"github.com/hochfrequenz/agent-pool/internal/supervisor"
	"github.com/hochfrequenz/agent-pool/internal/taskstore"
)

// app is the in-process scheduler and everything listening to it
type app struct {
	cfg      *config.Config
	selector *agents.Selector
	sup      *supervisor.Supervisor
	pool     *pool.Pool
	monitor  *health.Monitor
	observer *observer.Observer

	store    *taskstore.Store
	recorder *taskstore.Recorder
	notifier *notify.Listener
}

func loadConfig() (*config.Config, error) {
	cfg, path, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

func newApp(cfg *config.Config, logger *log.Logger) (*app, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("agent registry: %w", err)
	}

	rt := &app{cfg: cfg}
	rt.selector = agents.NewSelector(registry, agents.SelectorOptions{
		CacheTTL: cfg.General.ProbeCacheTTL.Duration,
		Logger:   logger,
	})
	rt.sup = supervisor.New(supervisor.Options{
		SpawnParallelism: cfg.General.SpawnParallelism,
		OutputLimit:      cfg.General.OutputBufferBytes,
		Logger:           logger,
	})

	rt.pool, err = pool.New(rt.selector, rt.sup, pool.Options{
		MaxWorkers:     cfg.General.MaxWorkers,
		DefaultTimeout: cfg.General.DefaultTaskTimeout.Duration,
		GracePeriod:    cfg.General.TerminationGracePeriod.Duration,
		WorkDir:        cfg.General.WorkDir,
		LogDir:         cfg.General.LogDir,
		RetainFinished: cfg.General.RetainFinished,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	rt.monitor = health.NewMonitor(rt.pool, rt.sup, health.Options{
		Interval: cfg.General.HealthCheckInterval.Duration,
		Grace:    cfg.General.TerminationGracePeriod.Duration,
		Logger:   logger,
	})

	rt.observer, err = observer.New(rt.pool)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	rt.pool.Subscribe(rt.observer)

	if cfg.Store.DatabasePath != "" {
		rt.store, err = taskstore.New(cfg.Store.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("opening history: %w", err)
		}
		rt.recorder = taskstore.NewRecorder(rt.store, logger)
		rt.pool.Subscribe(rt.recorder)
	}

	n := cfg.Notifications
	if n.Desktop || n.SlackWebhook != "" {
		rt.notifier = notify.NewListener(notify.NewMultiNotifier(
			notify.NewDesktopNotifier(n.Desktop),
			notify.NewSlackNotifier(n.SlackWebhook),
		), n.OnSuccess, logger)
		rt.pool.Subscribe(rt.notifier)
	}

	return rt, nil
}

// close flushes listeners. Call after the pool has shut down.
func (rt *app) close() {
	if rt.notifier != nil {
		rt.notifier.Close()
	}
	if rt.recorder != nil {
		rt.recorder.Close()
	}
	if rt.store != nil {
		rt.store.Close()
	}
}
