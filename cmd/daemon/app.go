package main

import (
	"context"
	"fmt"

	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/devgianlu/go-mdnsd/locks"
	"github.com/devgianlu/go-mdnsd/netif"
	"github.com/devgianlu/go-mdnsd/netwatch"
	"github.com/devgianlu/go-mdnsd/registration"
	"github.com/devgianlu/go-mdnsd/responder"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

type App struct {
	cfg   *Config
	log   mdnsd.Logger
	state mdnsd.ConfigurationStore

	selector    *netif.Selector
	coordinator *registration.Coordinator
	reactor     *netwatch.Reactor
	registry    *prometheus.Registry

	server *ApiServer
}

func NewApp(cfg *Config, log *logrus.Logger, state mdnsd.ConfigurationStore) (*App, error) {
	app := &App{cfg: cfg, log: component(log, "app"), state: state}

	priority := mdnsd.PriorityList(cfg.Interfaces.Priority)
	if len(priority) == 0 {
		priority = state.GetPriorityList()
	}

	app.selector = netif.NewSelector(netif.Options{
		Log:         component(log, "netif"),
		Priority:    priority,
		IncludeIPv6: cfg.Interfaces.IPv6,
	})

	factory, err := responder.NewFactory(cfg.Backend, responder.Options{
		Log:        component(log, "responder"),
		Interfaces: app.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed creating responder factory: %w", err)
	}

	lockOpts := locks.Options{Log: component(log, "locks")}
	if cfg.Locks.Wake {
		lockOpts.Wake = locks.NewInhibitorLock
	}
	if cfg.Locks.Multicast {
		lockOpts.Multicast = locks.NewMulticastMembershipLock
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app.coordinator, err = registration.NewCoordinator(registration.Options{
		Log:      component(log, "registration"),
		Selector: app.selector,
		Factory:  factory,
		Locks:    locks.NewManager(lockOpts),
		Patcher:  responder.NewLegacyUnicastPatcher(component(log, "patcher")),
		Metrics:  registration.NewMetrics(app.registry),
	})
	if err != nil {
		return nil, fmt.Errorf("failed creating coordinator: %w", err)
	}

	var monitor netwatch.Monitor
	switch cfg.Monitor {
	case monitorNetworkManager:
		monitor = netwatch.NewNetworkManagerMonitor(component(log, "netwatch"))
	case monitorPolling:
		monitor = netwatch.NewPollingMonitor(netwatch.PollingOptions{
			Log:      component(log, "netwatch"),
			Interval: cfg.Reactor.PollInterval,
		})
	}

	app.reactor = netwatch.NewReactor(netwatch.ReactorOptions{
		Log:      component(log, "reactor"),
		Monitor:  monitor,
		Debounce: cfg.Reactor.Debounce,
	})

	return app, nil
}

// registrationConfig merges the configuration with the values persisted by the previous run.
func (app *App) registrationConfig() mdnsd.RegistrationConfig {
	name := app.cfg.Service.Name
	if len(name) == 0 {
		name = app.state.GetLastName()
	}
	if len(name) == 0 {
		name = mdnsd.DefaultInstanceName
	}

	port := app.cfg.Service.Port
	if port == 0 {
		port = app.state.GetLastPort()
	}
	if port == 0 {
		port = mdnsd.DefaultPort
	}

	// validated when loading the configuration
	txt, _ := mdnsd.ParseTxtRecord(app.cfg.Service.Txt)
	if len(txt) == 0 {
		txt = mdnsd.TxtRecord{{Key: "path", Value: "/"}, {Key: "version", Value: "1.0"}, {Key: "service", Value: name}}
	}

	return mdnsd.RegistrationConfig{
		ServiceType:     app.cfg.Service.Type,
		InstanceName:    name,
		Domain:          app.cfg.Service.Domain,
		Port:            port,
		TxtRecord:       txt,
		ExplicitAddress: app.cfg.Service.Address,
	}
}

// Activate starts the registration and the reaction to network changes.
func (app *App) Activate(ctx context.Context) error {
	err := app.start(ctx)
	app.reactor.Attach(app.coordinator, app.registrationConfig)
	return err
}

// Deactivate withdraws the registration.
func (app *App) Deactivate() {
	app.reactor.Detach()
	app.coordinator.Stop()
}

func (app *App) start(ctx context.Context) error {
	cfg := app.registrationConfig()
	if err := app.coordinator.Start(ctx, cfg); err != nil {
		return err
	}

	app.persist(cfg)
	return nil
}

func (app *App) restart(ctx context.Context) error {
	app.coordinator.Stop()
	return app.start(ctx)
}

func (app *App) persist(cfg mdnsd.RegistrationConfig) {
	if state := app.coordinator.State(); state.IsRunning() {
		if err := app.state.SetLastAddress(state.BoundAddress); err != nil {
			app.log.WithError(err).Warnf("failed persisting last address")
		}
	}

	if err := app.state.SetLastPort(cfg.Port); err != nil {
		app.log.WithError(err).Warnf("failed persisting last port")
	}
	if err := app.state.SetLastName(cfg.InstanceName); err != nil {
		app.log.WithError(err).Warnf("failed persisting last name")
	}
	if err := app.state.SetPriorityList(app.selector.Priority()); err != nil {
		app.log.WithError(err).Warnf("failed persisting priority list")
	}
}

// forwardEvents pushes every registration state transition to the websocket clients.
func (app *App) forwardEvents(ctx context.Context) error {
	states, cancel := app.coordinator.ObserveState()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case state, ok := <-states:
			if !ok {
				return nil
			}

			app.server.Emit(&ApiEvent{Type: ApiEventTypeState, Data: state})
		}
	}
}

func (app *App) handleApiRequest(ctx context.Context, req ApiRequest) (any, error) {
	switch req.Type {
	case ApiRequestTypeStatus:
		resp := &ApiResponseStatus{
			Version:     mdnsd.VersionNumberString(),
			State:       app.coordinator.State(),
			LastAddress: app.state.GetLastAddress(),
		}

		if cfg, ok := app.coordinator.Config(); ok {
			service, domain := cfg.Service()
			resp.Service = &ApiResponseStatusService{
				Name:   cfg.InstanceName,
				Type:   service,
				Domain: domain,
				Port:   cfg.Port,
				Txt:    cfg.Txt().Strings(),
			}
		}

		return resp, nil
	case ApiRequestTypeInterfaces:
		return app.coordinator.GetAvailableInterfaces(), nil
	case ApiRequestTypeRestart:
		if err := app.restart(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRestartFailed, err)
		}

		return app.coordinator.State(), nil
	default:
		return nil, fmt.Errorf("unknown request type: %s", req.Type)
	}
}

func (app *App) serveApi(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-app.server.Receive():
			data, err := app.handleApiRequest(ctx, req)
			req.Reply(data, err)
		}
	}
}
