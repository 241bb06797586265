package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/adapter"
	"github.com/jbweber/switchyard/internal/adapter/ahv"
	"github.com/jbweber/switchyard/internal/adapter/hyperv"
	"github.com/jbweber/switchyard/internal/adapter/kubevirt"
	libvirtadapter "github.com/jbweber/switchyard/internal/adapter/libvirt"
	"github.com/jbweber/switchyard/internal/adapter/rhevm"
	"github.com/jbweber/switchyard/internal/adapter/vcenter"
	"github.com/jbweber/switchyard/internal/adapter/xen"
	"github.com/jbweber/switchyard/internal/config"
	"github.com/jbweber/switchyard/internal/dispatch"
	"github.com/jbweber/switchyard/internal/inventory"
	"github.com/jbweber/switchyard/internal/loader"
	"github.com/jbweber/switchyard/internal/logger"
	"github.com/jbweber/switchyard/internal/metrics"
	"github.com/jbweber/switchyard/internal/output"
	"github.com/jbweber/switchyard/internal/session"
)

// app is the runtime one command works against.
type app struct {
	cfg         *config.Config
	log         *logger.Logger
	formatter   output.Formatter
	sessions    *session.Manager
	dispatcher  *dispatch.Dispatcher
	cache       *inventory.Cache
	registry    *prometheus.Registry
	metricsFile string
	stop        context.CancelFunc
}

// loadConfig reads the config file named by --config, or the defaults, and
// applies flag and environment overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path, false); err != nil {
			return nil, err
		}
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if inv := v.GetString("inventory"); inv != "" {
		cfg.Inventory = inv
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Inventory == "" {
		return nil, fmt.Errorf("no backend inventory: set --inventory, %s_INVENTORY or inventory in the config file", envPrefix)
	}
	return cfg, nil
}

func loadBackends(v *viper.Viper) (*config.Config, []*v1alpha1.Backend, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, nil, err
	}
	logger.Init(cfg.LoggerOptions())

	backends, err := loader.LoadFromFile(cfg.Inventory)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load inventory: %w", err)
	}
	return cfg, backends, nil
}

func newFormatter(v *viper.Viper) (output.Formatter, error) {
	return output.NewFormatter(output.Options{
		Format:    output.Format(v.GetString("output")),
		NoHeaders: v.GetBool("no-headers"),
	})
}

func newAdapterRegistry(cfg *config.Config) *adapter.Registry {
	poll := cfg.Dispatch.PollInterval
	return adapter.NewRegistry(
		vcenter.New(poll),
		hyperv.New(poll),
		rhevm.New(poll),
		libvirtadapter.New(poll),
		xen.New(poll),
		kubevirt.New(poll),
		ahv.New(poll),
	)
}

// newApp wires adapters, the connection manager, the dispatcher and its
// observers. Background loops run until Close.
func newApp(ctx context.Context, v *viper.Viper) (*app, error) {
	formatter, err := newFormatter(v)
	if err != nil {
		return nil, err
	}
	cfg, backends, err := loadBackends(v)
	if err != nil {
		return nil, err
	}

	var creds session.CredentialStore
	if cfg.Credentials != "" {
		c, err := config.LoadCredentialsFromFile(cfg.Credentials)
		if err != nil {
			return nil, err
		}
		creds = c
	}

	adapters := newAdapterRegistry(cfg)
	sessions := session.NewManager(adapters, creds, cfg.SessionOptions())
	d, err := dispatch.New(backends, adapters, sessions, cfg.DispatchOptions())
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	observer, err := metrics.NewObserver(registry)
	if err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	registry.MustRegister(metrics.NewSessionCollector(sessions))

	cache := inventory.New(d, cfg.Cache.TTL)
	d.AddObserver(dispatch.NewLogObserver(logger.Get()))
	d.AddObserver(cache)
	d.AddObserver(observer)

	bg, stop := context.WithCancel(ctx)
	go sessions.Start(bg)
	go cache.Start(bg, cfg.Cache.SweepInterval)

	return &app{
		cfg:         cfg,
		log:         logger.Get().Named("cli"),
		formatter:   formatter,
		sessions:    sessions,
		dispatcher:  d,
		cache:       cache,
		registry:    registry,
		metricsFile: v.GetString("metrics-file"),
		stop:        stop,
	}, nil
}

// Close stops background loops, closes every connection and writes the
// metrics file when one was requested.
func (a *app) Close() error {
	a.stop()

	var result *multierror.Error
	if err := a.sessions.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close sessions: %w", err))
	}
	if a.metricsFile != "" {
		if err := prometheus.WriteToTextfile(a.metricsFile, a.registry); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to write metrics: %w", err))
		}
	}
	_ = a.log.Sync()
	return result.ErrorOrNil()
}

// closeApp folds a Close failure into the command's error.
func closeApp(a *app, err *error) {
	if cerr := a.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
