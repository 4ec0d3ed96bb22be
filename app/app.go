package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"

	"github.com/zachfi/icyrelay/modules/relay"
)

const metricsNamespace = "icyrelay"

// App wires the HTTP server and the relay together as dskit modules.
type App struct {
	cfg    Config
	logger slog.Logger

	Server *server.Server
	Relay  *relay.Relay

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New creates and returns a new App.
func New(cfg Config, logger slog.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
	}

	if a.cfg.Target == "" {
		a.cfg.Target = All
	}

	if err := a.cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	if err := a.setupModuleManager(); err != nil {
		return nil, errors.Wrap(err, "failed to setup module manager")
	}

	return a, nil
}

// Run starts every module for the configured target and blocks until they
// have all stopped, either through a signal or because one of them failed.
func (a *App) Run() error {
	serviceMap, err := a.ModuleManager.InitModuleServices(a.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	a.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	healthy := func() {
		a.logger.Info("relay listening",
			"address", a.cfg.Server.HTTPListenAddress,
			"port", a.cfg.Server.HTTPListenPort,
		)
	}
	stopped := func() { a.logger.Info("stopped") }
	serviceFailed := func(service services.Service) {
		sm.StopAsync()

		m := moduleFor(serviceMap, service)
		if service.FailureCase() == modules.ErrStopProcess {
			a.logger.Info("received stop signal via return error", "module", m, "err", service.FailureCase())
			return
		}
		a.logger.Error("module failed", "module", m, "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// SIGINT/SIGTERM stop the manager, which stops every service.
	handler := signals.NewHandler(a.Server.Log)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

// moduleFor names the module that owns service, "unknown" when none does.
func moduleFor(serviceMap map[string]services.Service, service services.Service) string {
	for m, s := range serviceMap {
		if s == service {
			return m
		}
	}
	return "unknown"
}
