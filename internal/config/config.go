// Package config defines the synchronizer's configuration surface.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml configs can carry human-readable
// values like "30s" or "2m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string or a nanosecond integer.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) { return d.Std().String(), nil }

// Config represents the top-level configuration.
type Config struct {
	API    APIConfig    `yaml:"api" validate:"required"`
	Stream StreamConfig `yaml:"stream"`
	Sync   SyncConfig   `yaml:"sync"`
	Otel   OtelConfig   `yaml:"otel"`
}

// APIConfig describes how to reach the Harvex batch API.
type APIConfig struct {
	// BaseURL is the root of the batch API, e.g. "http://localhost:8080".
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// RequestTimeout bounds individual snapshot/command requests. It does
	// not apply to progress streams, which are long-lived.
	RequestTimeout Duration `yaml:"request_timeout" validate:"gte=0"`

	// RateLimit throttles outbound API requests.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig defines request throttling for the API client.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

// StreamConfig controls progress stream subscriptions.
type StreamConfig struct {
	// Reconnect enables exponential-backoff reconnection after a transport
	// error. Disabled by default: a dropped stream leaves the last merged
	// snapshot as the final known state.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// IdleTimeout closes a subscription that has received no events for the
	// duration. Zero disables the timeout.
	IdleTimeout Duration `yaml:"idle_timeout" validate:"gte=0"`
}

// ReconnectConfig defines backoff behavior for re-opening dropped streams.
type ReconnectConfig struct {
	Enabled     bool     `yaml:"enabled"`
	InitialWait Duration `yaml:"initial_wait" validate:"gte=0"`
	MaxWait     Duration `yaml:"max_wait" validate:"gte=0"`
	MaxAttempts int      `yaml:"max_attempts" validate:"gte=0"`
}

// SyncConfig controls merge-side behavior.
type SyncConfig struct {
	// PendingBuffer is how many jobs may hold one buffered progress event
	// that arrived before the initiating fetch populated the cache. Zero
	// (the default) drops such events.
	PendingBuffer int `yaml:"pending_buffer" validate:"gte=0"`
}

// OtelConfig configures telemetry export.
type OtelConfig struct {
	Enabled          bool    `yaml:"enabled"`
	ExporterEndpoint string  `yaml:"exporter_endpoint"`
	Probability      float64 `yaml:"probability" validate:"gte=0,lte=1"`
}

// Default returns a configuration with production defaults applied.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = Duration(30 * time.Second)
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 20
	}
	if c.Stream.Reconnect.InitialWait == 0 {
		c.Stream.Reconnect.InitialWait = Duration(time.Second)
	}
	if c.Stream.Reconnect.MaxWait == 0 {
		c.Stream.Reconnect.MaxWait = Duration(30 * time.Second)
	}
	if c.Otel.Probability == 0 {
		c.Otel.Probability = 0.05
	}
}

// Validate checks the configuration against its declared constraints.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}
