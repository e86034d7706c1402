package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/devgianlu/go-mdnsd/responder"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

type Config struct {
	ConfigDir string `koanf:"config_dir"`
	StateDir  string `koanf:"state_dir"`

	LogLevel string `koanf:"log_level"`
	Host     string `koanf:"host"`
	Backend  string `koanf:"backend"`
	Monitor  string `koanf:"monitor"`

	Service struct {
		Type    string   `koanf:"type"`
		Name    string   `koanf:"name"`
		Port    int      `koanf:"port"`
		Address string   `koanf:"address"`
		Domain  string   `koanf:"domain"`
		Txt     []string `koanf:"txt"`
	} `koanf:"service"`

	Interfaces struct {
		Priority []string `koanf:"priority"`
		IPv6     bool     `koanf:"ipv6"`
	} `koanf:"interfaces"`

	Reactor struct {
		Debounce     time.Duration `koanf:"debounce"`
		PollInterval time.Duration `koanf:"poll_interval"`
	} `koanf:"reactor"`

	Locks struct {
		Wake      bool `koanf:"wake"`
		Multicast bool `koanf:"multicast"`
	} `koanf:"locks"`

	Job struct {
		Lease    time.Duration `koanf:"lease"`
		Interval time.Duration `koanf:"interval"`
	} `koanf:"job"`

	Server struct {
		Enabled     bool   `koanf:"enabled"`
		Address     string `koanf:"address"`
		Port        int    `koanf:"port"`
		AllowOrigin string `koanf:"allow_origin"`
	} `koanf:"server"`
}

const (
	hostDaemon = "daemon"
	hostJob    = "job"

	monitorNetworkManager = "networkmanager"
	monitorPolling        = "polling"
	monitorNone           = "none"
)

func (c *Config) Validate() error {
	switch c.Host {
	case hostDaemon, hostJob:
	default:
		return fmt.Errorf("invalid host: %s", c.Host)
	}

	switch c.Monitor {
	case monitorNetworkManager, monitorPolling, monitorNone:
	default:
		return fmt.Errorf("invalid monitor: %s", c.Monitor)
	}

	var knownBackend bool
	for _, b := range responder.Backends() {
		knownBackend = knownBackend || b == c.Backend
	}
	if !knownBackend {
		return fmt.Errorf("invalid backend: %s (available: %s)", c.Backend, strings.Join(responder.Backends(), ", "))
	}

	if c.Service.Port < 0 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid service port: %d", c.Service.Port)
	}

	if c.Host == hostJob && c.Job.Lease <= 0 {
		return fmt.Errorf("invalid job lease: %s", c.Job.Lease)
	}

	for _, prefix := range c.Interfaces.Priority {
		if len(strings.TrimSpace(prefix)) == 0 {
			return fmt.Errorf("invalid interface priority: empty prefix would match every interface")
		}
	}

	if _, err := mdnsd.ParseTxtRecord(c.Service.Txt); err != nil {
		return err
	}

	return nil
}

func loadConfig(args []string) (*Config, error) {
	defaultConfigDir, defaultStateDir := defaultDirs()

	f := pflag.NewFlagSet("go-mdnsd", pflag.ContinueOnError)
	f.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", f.Name())
		f.PrintDefaults()
	}

	configDir := f.String("config_dir", defaultConfigDir, "the configuration directory")
	f.String("state_dir", defaultStateDir, "the state directory")
	f.String("log_level", "info", "the log level (trace, debug, info, warn, error)")
	f.String("host", hostDaemon, "how the registration is hosted (daemon, job)")
	f.String("backend", "native", "the mDNS responder backend (native, builtin, avahi)")
	f.String("monitor", monitorNetworkManager, "the network monitor (networkmanager, polling, none)")
	f.String("service.name", "", "the service instance and host name")
	f.Int("service.port", 0, "the advertised service port")
	f.String("service.address", "", "the address to bind, empty to select one automatically")
	if err := f.Parse(args); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"log_level":             "info",
		"host":                  hostDaemon,
		"backend":               "native",
		"monitor":               monitorNetworkManager,
		"service.type":          mdnsd.DefaultServiceType,
		"service.domain":        mdnsd.DefaultDomain,
		"reactor.debounce":      "0s",
		"reactor.poll_interval": "5s",
		"locks.wake":            true,
		"locks.multicast":       true,
		"job.lease":             "15m",
		"job.interval":          "1m",
		"server.address":        "localhost",
		"server.port":           3679,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed loading default configuration: %w", err)
	}

	configPath := filepath.Join(*configDir, "config.yml")
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed reading configuration file %s: %w", configPath, err)
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("failed loading command line flags: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed unmarshalling configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
