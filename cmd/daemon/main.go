package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	mdnsd "github.com/devgianlu/go-mdnsd"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func newHost(cfg *Config, logger *log.Logger) LifecycleHost {
	switch cfg.Host {
	case hostJob:
		return NewJobHost(component(logger, "host"), cfg.Job.Lease, cfg.Job.Interval, nil)
	default:
		return NewDaemonHost(component(logger, "host"))
	}
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	} else if err != nil {
		log.WithError(err).Fatal("failed loading configuration")
	}

	// parse and set log level
	logLevel, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatalf("invalid log level: %s", cfg.LogLevel)
	} else {
		log.SetLevel(logLevel)
	}

	log.Infof("running %s", mdnsd.VersionString())
	log.Debugf("system info: %s", mdnsd.SystemInfoString())

	var state mdnsd.AppState
	if err := state.Read(cfg.StateDir); err != nil {
		log.WithError(err).Fatal("failed reading app state")
	}

	app, err := NewApp(cfg, log.StandardLogger(), &state)
	if err != nil {
		log.WithError(err).Fatal("failed creating app")
	}

	// create api server if needed
	if cfg.Server.Enabled {
		app.server, err = NewApiServer(component(log.StandardLogger(), "api"), cfg.Server.Address, cfg.Server.Port, cfg.Server.AllowOrigin, app.registry)
		if err != nil {
			log.WithError(err).Fatal("failed creating api server")
		}
	} else {
		app.server = NewStubApiServer(component(log.StandardLogger(), "api"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return newHost(cfg, log.StandardLogger()).Run(ctx, app) })
	g.Go(func() error { return app.serveApi(ctx) })
	g.Go(func() error { return app.forwardEvents(ctx) })
	g.Go(app.server.Serve)
	g.Go(func() error {
		<-ctx.Done()
		app.server.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("daemon failed")
	}

	log.Infof("bye")
}
