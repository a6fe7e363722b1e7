// Package config loads the regionkeeper configuration from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	promclient "github.com/prometheus/client_golang/prometheus"
)

// Duration is a time.Duration that decodes from strings such as "1m30s".
type Duration time.Duration

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	td, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(td)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Logging configures the default logger.
type Logging struct {
	Format string `toml:"format,omitempty" envconfig:"format"`
	Level  string `toml:"level,omitempty" envconfig:"level"`
	// File redirects the log output to the file if set.
	File string `toml:"file,omitempty" envconfig:"file"`
}

// Sentry configures where recovered panics are reported to.
type Sentry struct {
	DSN         string `toml:"sentry_dsn,omitempty" envconfig:"dsn"`
	Environment string `toml:"sentry_environment,omitempty" envconfig:"environment"`
}

// GC configures the branch history collection.
type GC struct {
	// Interval is the longest time between two collection passes. Changes of
	// the table state and new acks trigger a pass earlier.
	Interval Duration `toml:"interval,omitempty" envconfig:"interval"`
	// HistogramBuckets configures the pass duration histogram's buckets.
	HistogramBuckets []float64 `toml:"histogram_buckets,omitempty" envconfig:"histogram_buckets"`
}

// Config is a container for everything found in the TOML config file.
type Config struct {
	// ServerID identifies the server whose regions are reported.
	ServerID string `toml:"server_id,omitempty" envconfig:"server_id"`
	// PrometheusListenAddr is where the watch subcommand serves metrics.
	PrometheusListenAddr string  `toml:"prometheus_listen_addr,omitempty" envconfig:"prometheus_listen_addr"`
	Logging              Logging `toml:"logging,omitempty" envconfig:"logging"`
	Sentry               Sentry  `toml:"sentry,omitempty" envconfig:"sentry"`
	GC                   GC      `toml:"gc,omitempty" envconfig:"gc"`
}

// Load initializes the Config from file and the environment. Environment
// variables prefixed with REGIONKEEPER take precedence over the file.
func Load(file io.Reader) (Config, error) {
	var cfg Config

	if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("load toml: %w", err)
	}

	if err := envconfig.Process("regionkeeper", &cfg); err != nil {
		return Config{}, fmt.Errorf("envconfig: %w", err)
	}

	cfg.setDefaults()

	return cfg, nil
}

func (cfg *Config) setDefaults() {
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.GC.Interval == 0 {
		cfg.GC.Interval = Duration(time.Minute)
	}

	if len(cfg.GC.HistogramBuckets) == 0 {
		cfg.GC.HistogramBuckets = promclient.DefBuckets
	}
}

var errNegativeInterval = errors.New("intervals must not be negative")

// Validate establishes if the config is valid. The server ID is optional as
// only the regions subcommand needs it.
func (cfg Config) Validate() error {
	if cfg.GC.Interval < 0 {
		return fmt.Errorf("gc.interval: %w", errNegativeInterval)
	}

	for i := 1; i < len(cfg.GC.HistogramBuckets); i++ {
		if cfg.GC.HistogramBuckets[i] <= cfg.GC.HistogramBuckets[i-1] {
			return errors.New("gc.histogram_buckets must be in increasing order")
		}
	}

	return nil
}
