// Package config loads switchyard's runtime settings.
//
// Settings live in one YAML file. Every field is optional; LoadFromFile
// starts from Default and overlays what the file sets, then validates the
// result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	// Inventory is the path of the Backend inventory file.
	Inventory string `yaml:"inventory,omitempty"`
	// Credentials is the path of the credentials file.
	Credentials string `yaml:"credentials,omitempty"`

	Dispatch DispatchConfig `yaml:"dispatch"`
	Session  SessionConfig  `yaml:"session"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
}

// DispatchConfig tunes retries, the circuit breaker and adapter polling.
type DispatchConfig struct {
	MaxRetries       int           `yaml:"maxRetries" validate:"gte=0,lte=10"`
	RetryBaseDelay   time.Duration `yaml:"retryBaseDelay" validate:"gt=0"`
	RetryMaxDelay    time.Duration `yaml:"retryMaxDelay" validate:"gtefield=RetryBaseDelay"`
	BreakerThreshold uint32        `yaml:"breakerThreshold" validate:"gte=1"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown" validate:"gt=0"`
	// PollInterval spaces the state checks adapters make while waiting for
	// a mutation to converge.
	PollInterval time.Duration `yaml:"pollInterval" validate:"gt=0"`
}

// SessionConfig tunes reconnect backoff and health checks.
type SessionConfig struct {
	BaseDelay      time.Duration `yaml:"baseDelay" validate:"gt=0"`
	MaxDelay       time.Duration `yaml:"maxDelay" validate:"gtefield=BaseDelay"`
	Jitter         float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	AttemptLimit   int           `yaml:"attemptLimit" validate:"gte=1,lte=20"`
	HealthInterval time.Duration `yaml:"healthInterval" validate:"gt=0"`
	HealthTimeout  time.Duration `yaml:"healthTimeout" validate:"gt=0"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" validate:"gt=0"`
}

// CacheConfig tunes the inventory cache.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweepInterval" validate:"gte=0"`
}

// LogConfig mirrors logger.Options.
type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON       bool   `yaml:"json,omitempty"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"maxSizeMB" validate:"gte=1"`
	MaxBackups int    `yaml:"maxBackups" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			MaxRetries:       3,
			RetryBaseDelay:   500 * time.Millisecond,
			RetryMaxDelay:    5 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
			PollInterval:     2 * time.Second,
		},
		Session: SessionConfig{
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			Jitter:         0.1,
			AttemptLimit:   5,
			HealthInterval: 30 * time.Second,
			HealthTimeout:  10 * time.Second,
			ConnectTimeout: 2 * time.Minute,
		},
		Cache: CacheConfig{
			TTL: 30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

var validate = validator.New()

// LoadFromFile reads path over the defaults. A missing file yields the
// defaults when optional is true.
func LoadFromFile(path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return LoadFromYAML(data)
}

// LoadFromYAML parses data over the defaults and validates the result.
func LoadFromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes the log level and checks field ranges.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(c.Log.Level)
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", describe(err))
	}
	return nil
}

// describe turns validator errors into one line per field.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value()))
		case "gtefield":
			msgs = append(msgs, fmt.Sprintf("%s must not be less than %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s, got %v", field, fe.Tag(), fe.Param(), fe.Value()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
