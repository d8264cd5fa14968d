// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
	Identity      IdentityConfig      `yaml:"identity" envPrefix:"IDENTITY_"`
	Schema        SchemaConfig        `yaml:"schema" envPrefix:"SCHEMA_"`
	Realtime      RealtimeConfig      `yaml:"realtime" envPrefix:"REALTIME_"`
	Workflow      WorkflowConfig      `yaml:"workflow" envPrefix:"WORKFLOW_"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency" envPrefix:"IDEMPOTENCY_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IdentityConfig describes how bearer tokens on the HTTP API are verified.
type IdentityConfig struct {
	Issuer     string            `yaml:"issuer" env:"ISSUER"`
	SecretEnv  string            `yaml:"secret_env"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
	// PolicyFile maps roles to capabilities. Empty uses the built-in policy.
	PolicyFile string `yaml:"policy_file" env:"POLICY_FILE"`
}

// SchemaConfig describes where workflow schemas are fetched from.
type SchemaConfig struct {
	BaseURL        string               `yaml:"base_url" env:"BASE_URL"`
	Timeout        time.Duration        `yaml:"timeout"`
	MaxRefDepth    int                  `yaml:"max_ref_depth"`
	TokenEnv       string               `yaml:"token_env"`
	Cache          SchemaCacheConfig    `yaml:"cache" envPrefix:"CACHE_"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// SchemaCacheConfig describes the resolved-schema cache.
type SchemaCacheConfig struct {
	Driver  string        `yaml:"driver" env:"DRIVER"`
	TTL     time.Duration `yaml:"ttl"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
}

// CircuitBreakerConfig describes circuit breaker settings for schema fetches.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	Interval         time.Duration `yaml:"interval"`
}

// RealtimeConfig describes the broker connection.
type RealtimeConfig struct {
	Enabled           bool          `yaml:"enabled" env:"ENABLED"`
	BrokerURL         string        `yaml:"broker_url" env:"BROKER_URL"`
	Host              string        `yaml:"host"`
	TokenEnv          string        `yaml:"token_env"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`
	HeartbeatIncoming time.Duration `yaml:"heartbeat_incoming"`
	HeartbeatOutgoing time.Duration `yaml:"heartbeat_outgoing"`
	Role              string        `yaml:"role" env:"ROLE"`
	UserID            string        `yaml:"user_id" env:"USER_ID"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	Store WorkflowStoreConfig `yaml:"store" envPrefix:"STORE_"`
}

// WorkflowStoreConfig describes workflow persistence settings.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdempotencyConfig describes replay protection for create and publish
// requests carrying an idempotency key.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled" env:"ENABLED"`
	Store   IdempotencyStoreConfig `yaml:"store" envPrefix:"STORE_"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver" env:"DRIVER"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level" env:"LOG_LEVEL"`
	Tracing  TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	Exporter     string  `yaml:"exporter" env:"EXPORTER"`
	Endpoint     string  `yaml:"endpoint" env:"ENDPOINT"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// envPrefix is prepended to every environment override.
const envPrefix = "BANDFLOW_"

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Identity: IdentityConfig{
			SecretEnv: "BANDFLOW_JWT_SECRET",
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Schema: SchemaConfig{
			BaseURL:     "http://localhost:3000",
			Timeout:     10 * time.Second,
			MaxRefDepth: 32,
			Cache: SchemaCacheConfig{
				Driver: "memory",
				TTL:    5 * time.Minute,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
				Interval:         time.Minute,
			},
		},
		Realtime: RealtimeConfig{
			BrokerURL:         "ws://localhost:8080/ws/websocket",
			ReconnectDelay:    5 * time.Second,
			HeartbeatIncoming: 4 * time.Second,
			HeartbeatOutgoing: 4 * time.Second,
		},
		Workflow: WorkflowConfig{
			Store: WorkflowStoreConfig{
				Driver:          "memory",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Schema.BaseURL == "" {
		errs = append(errs, "schema.base_url is required")
	}
	if c.Schema.MaxRefDepth < 1 {
		errs = append(errs, "schema.max_ref_depth must be positive")
	}
	switch c.Schema.Cache.Driver {
	case "", "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("schema.cache.driver %q is not supported", c.Schema.Cache.Driver))
	}
	if c.Schema.Cache.Driver == "redis" && c.Schema.Cache.AddrEnv == "" {
		errs = append(errs, "schema.cache.addr_env is required for the redis driver")
	}
	switch c.Workflow.Store.Driver {
	case "", "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("workflow.store.driver %q is not supported", c.Workflow.Store.Driver))
	}
	switch c.Idempotency.Store.Driver {
	case "", "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported", c.Idempotency.Store.Driver))
	}
	if c.Idempotency.Enabled && c.Idempotency.Store.Driver == "redis" && c.Idempotency.Store.AddrEnv == "" {
		errs = append(errs, "idempotency.store.addr_env is required for the redis driver")
	}
	if c.Realtime.Enabled && c.Realtime.BrokerURL == "" {
		errs = append(errs, "realtime.broker_url is required when realtime is enabled")
	}
	if c.Realtime.ReconnectDelay < 0 {
		errs = append(errs, "realtime.reconnect_delay must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads BANDFLOW_* environment variables into the fields
// tagged with `env`. Unset variables leave the YAML/default value in place.
func applyEnvOverrides(cfg *Config) error {
	return env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix})
}

// Secret reads the value of the environment variable named by envName.
// An empty envName yields "".
func Secret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}
