package config

import (
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jbweber/switchyard/internal/dispatch"
	"github.com/jbweber/switchyard/internal/logger"
	"github.com/jbweber/switchyard/internal/session"
)

// DispatchOptions converts the dispatch section.
func (c *Config) DispatchOptions() dispatch.Options {
	opts := dispatch.DefaultOptions()
	opts.MaxRetries = c.Dispatch.MaxRetries
	opts.RetryBackoff = wait.Backoff{
		Duration: c.Dispatch.RetryBaseDelay,
		Factor:   opts.RetryBackoff.Factor,
		Jitter:   opts.RetryBackoff.Jitter,
		Cap:      c.Dispatch.RetryMaxDelay,
	}
	opts.BreakerThreshold = c.Dispatch.BreakerThreshold
	opts.BreakerCooldown = c.Dispatch.BreakerCooldown
	return opts
}

// SessionOptions converts the session section.
func (c *Config) SessionOptions() session.Options {
	opts := session.DefaultOptions()
	opts.BaseDelay = c.Session.BaseDelay
	opts.MaxDelay = c.Session.MaxDelay
	opts.Jitter = c.Session.Jitter
	opts.AttemptLimit = c.Session.AttemptLimit
	opts.HealthInterval = c.Session.HealthInterval
	opts.HealthTimeout = c.Session.HealthTimeout
	opts.ConnectTimeout = c.Session.ConnectTimeout
	return opts
}

// LoggerOptions converts the log section. Console output is always on.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:       c.Log.Level,
		Console:     true,
		JSONConsole: c.Log.JSON,
		FilePath:    c.Log.File,
		MaxSizeMB:   c.Log.MaxSizeMB,
		MaxBackups:  c.Log.MaxBackups,
	}
}
