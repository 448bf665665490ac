package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig configures the OpenTelemetry exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// UpstreamConfig names the exchange endpoints the quote hub talks to.
type UpstreamConfig struct {
	StreamURL   string `yaml:"streamUrl"`
	RESTBaseURL string `yaml:"restBaseUrl"`
}

// StorageConfig selects the command store backend. An empty DSN selects the
// in-memory store. An empty MigrationsDir runs the migrations embedded in the
// binary.
type StorageConfig struct {
	PostgresDSN   string `yaml:"postgresDsn"`
	MigrationsDir string `yaml:"migrationsDir"`
}

// AppConfig is the daemon configuration tree loaded from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	ListenAddr  string          `yaml:"listenAddr"`
	Upstream    UpstreamConfig  `yaml:"upstream"`
	Storage     StorageConfig   `yaml:"storage"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`

	GracePeriod    time.Duration `yaml:"gracePeriod"`
	StaleThreshold time.Duration `yaml:"staleThreshold"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	ExpireAfter    time.Duration `yaml:"expireAfter"`
}

// DefaultApp returns the daemon defaults used when no config file exists.
func DefaultApp() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		ListenAddr:  ":8880",
		Upstream: UpstreamConfig{
			StreamURL:   "wss://stream.binance.com:9443/ws",
			RESTBaseURL: "https://api.binance.com",
		},
		Storage:   StorageConfig{PostgresDSN: "", MigrationsDir: ""},
		Telemetry: TelemetryConfig{OTLPEndpoint: "", ServiceName: "quotedesk"},

		GracePeriod:    0,
		StaleThreshold: 0,
		PollInterval:   0,
		ExpireAfter:    0,
	}
}

// LoadOrDefault reads the YAML file at path, falling back to defaults when the
// file does not exist. The boolean reports whether a file was loaded.
func LoadOrDefault(path string) (AppConfig, bool, error) {
	cfg := DefaultApp()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, false, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, false, err
	}
	return cfg, true, nil
}

// Settings derives the core Settings tree from the daemon configuration.
func (c AppConfig) Settings() Settings {
	opts := []Option{
		WithEnvironment(c.Environment),
		WithStreamEndpoint(c.Upstream.StreamURL),
		WithRESTEndpoint(c.Upstream.RESTBaseURL),
	}
	if c.GracePeriod > 0 {
		opts = append(opts, WithGracePeriod(c.GracePeriod))
	}
	if c.StaleThreshold > 0 {
		opts = append(opts, WithStaleThreshold(c.StaleThreshold))
	}
	if c.PollInterval > 0 {
		opts = append(opts, WithPollInterval(c.PollInterval))
	}
	if c.ExpireAfter > 0 {
		opts = append(opts, WithExpireAfter(c.ExpireAfter))
	}
	return Apply(Default(), opts...)
}

func (c AppConfig) validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd, "":
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("config: listenAddr required")
	}
	return nil
}
