// Package config loads indexer settings from an optional YAML file overlaid
// with SKYINDEX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-yaml/yaml"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SKYINDEX_"

type Config struct {
	DatabaseDSN    string `yaml:"databaseDsn" env:"DATABASE_DSN"`
	MigrateOnStart bool   `yaml:"migrateOnStart" env:"MIGRATE_ON_START"`

	Subscription Subscription `yaml:"subscription" envPrefix:"SUBSCRIPTION_"`
	Background   Background   `yaml:"background" envPrefix:"BACKGROUND_"`
	Identity     Identity     `yaml:"identity" envPrefix:"IDENTITY_"`
	Checkout     Checkout     `yaml:"checkout" envPrefix:"CHECKOUT_"`
	Indexing     Indexing     `yaml:"indexing" envPrefix:"INDEXING_"`
	Telemetry    Telemetry    `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

type Subscription struct {
	// URL of the event stream websocket.
	URL        string        `yaml:"url" env:"URL"`
	Service    string        `yaml:"service" env:"SERVICE"`
	MaxPending int           `yaml:"maxPending" env:"MAX_PENDING"`
	RetryBase  time.Duration `yaml:"retryBase" env:"RETRY_BASE"`
	RetryMax   time.Duration `yaml:"retryMax" env:"RETRY_MAX"`
}

type Background struct {
	Workers int `yaml:"workers" env:"WORKERS"`
	Buffer  int `yaml:"buffer" env:"BUFFER"`
}

type Identity struct {
	PLCURL     string        `yaml:"plcUrl" env:"PLC_URL"`
	CacheTTL   time.Duration `yaml:"cacheTtl" env:"CACHE_TTL"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries uint64        `yaml:"maxRetries" env:"MAX_RETRIES"`
	RetryBase  time.Duration `yaml:"retryBase" env:"RETRY_BASE"`
}

type Checkout struct {
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries uint64        `yaml:"maxRetries" env:"MAX_RETRIES"`
	RetryBase  time.Duration `yaml:"retryBase" env:"RETRY_BASE"`
}

type Indexing struct {
	RepoConcurrency int `yaml:"repoConcurrency" env:"REPO_CONCURRENCY"`
}

type Telemetry struct {
	MetricsAddr string `yaml:"metricsAddr" env:"METRICS_ADDR"`
	HealthAddr  string `yaml:"healthAddr" env:"HEALTH_ADDR"`
	// OTLPEndpoint enables trace export when set, e.g. http://collector:4318.
	OTLPEndpoint string `yaml:"otlpEndpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"serviceName" env:"SERVICE_NAME"`
}

// Default returns the settings used when neither file nor environment set a value.
func Default() Config {
	return Config{
		Subscription: Subscription{
			Service:    "relay",
			MaxPending: 500,
			RetryBase:  500 * time.Millisecond,
			RetryMax:   30 * time.Second,
		},
		Background: Background{Workers: 8, Buffer: 1024},
		Identity: Identity{
			PLCURL:     "https://plc.directory",
			CacheTTL:   time.Hour,
			Timeout:    10 * time.Second,
			MaxRetries: 3,
			RetryBase:  200 * time.Millisecond,
		},
		Checkout: Checkout{
			Timeout:    time.Minute,
			MaxRetries: 3,
			RetryBase:  500 * time.Millisecond,
		},
		Indexing: Indexing{RepoConcurrency: 50},
		Telemetry: Telemetry{
			MetricsAddr: ":9090",
			HealthAddr:  ":8081",
			ServiceName: "skyindex",
		},
	}
}

// Load applies path (skipped when empty) and then the environment on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err = yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings every command relies on.
func (c Config) Validate() error {
	var problems []error
	if c.DatabaseDSN == "" {
		problems = append(problems, errors.New("databaseDsn is required"))
	}
	if c.Background.Workers <= 0 {
		problems = append(problems, errors.New("background.workers must be positive"))
	}
	if c.Indexing.RepoConcurrency <= 0 {
		problems = append(problems, errors.New("indexing.repoConcurrency must be positive"))
	}
	if c.Subscription.MaxPending <= 0 {
		problems = append(problems, errors.New("subscription.maxPending must be positive"))
	}
	if err := errors.Join(problems...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
