package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaydesk/taskcore/internal/config"
	"github.com/relaydesk/taskcore/internal/events"
	"github.com/relaydesk/taskcore/internal/heartbeat"
	"github.com/relaydesk/taskcore/internal/llmprovider"
	"github.com/relaydesk/taskcore/internal/llmprovider/cliexec"
	"github.com/relaydesk/taskcore/internal/manager"
	"github.com/relaydesk/taskcore/internal/metrics"
	"github.com/relaydesk/taskcore/internal/task"
	"github.com/relaydesk/taskcore/internal/task/memstore"
	"github.com/relaydesk/taskcore/internal/task/pgstore"
)

// app bundles every wired component a subcommand needs.
type app struct {
	settings  *config.Settings
	store     task.Store
	bus       *events.Bus
	heartbeat *heartbeat.Service
	manager   *manager.Manager
	metrics   *metrics.Registry
	gatherer  prometheus.Gatherer
	closeFn   func()
}

// buildApp constructs the full dependency graph described in SPEC_FULL.md
// §4: Repository, Provider, Event Bus, Heartbeat Service, Task Manager,
// each optionally instrumented with the shared Prometheus registry.
func buildApp() (*app, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	reg := metrics.NewRegistry(registry)

	var store task.Store
	closeFn := func() {}
	if settings.DatabaseURL != "" {
		pg, err := pgstore.Connect(context.Background(), settings.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store = pg
		closeFn = pg.Close
	} else {
		store = memstore.New()
	}

	bus := events.New(256)
	bus.WithMetrics(reg)
	bus.Start()

	hb := heartbeat.NewService(store, bus, heartbeat.Settings{
		Interval: settings.HeartbeatInterval(),
		Timeout:  settings.HeartbeatTimeout(),
	}, heartbeat.DefaultStagePatterns)
	hb.WithMetrics(reg)

	var provider llmprovider.Provider = cliexec.New(cliexec.Config{
		BinaryPath:   settings.AgentBinary,
		DefaultModel: settings.BackgroundModel,
		MaxBudgetUSD: settings.TaskMaxCost,
		Timeout:      time.Duration(settings.TaskMaxDurationSeconds) * time.Second,
	})

	mgr := manager.New(provider, store, bus, hb, manager.Settings{
		MaxConcurrentTasks: settings.MaxConcurrentTasks,
		TaskMaxCost:        settings.TaskMaxCost,
		BackgroundModel:    settings.BackgroundModel,
		RetryDelay:         settings.RetryDelay(),
	})
	mgr.WithMetrics(reg)

	return &app{
		settings:  settings,
		store:     store,
		bus:       bus,
		heartbeat: hb,
		manager:   mgr,
		metrics:   reg,
		gatherer:  registry,
		closeFn: func() {
			hb.StopAll()
			bus.Stop()
			closeFn()
		},
	}, nil
}
