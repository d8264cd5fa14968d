package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.bandflow.example" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if cfg.Schema.BaseURL != "https://schemas.bandflow.example" {
		t.Errorf("Schema.BaseURL = %q", cfg.Schema.BaseURL)
	}
	if cfg.Schema.MaxRefDepth != 16 {
		t.Errorf("Schema.MaxRefDepth = %d, want 16", cfg.Schema.MaxRefDepth)
	}
	if cfg.Schema.Cache.Driver != "redis" {
		t.Errorf("Schema.Cache.Driver = %q, want redis", cfg.Schema.Cache.Driver)
	}
	if cfg.Schema.Cache.TTL != 2*time.Minute {
		t.Errorf("Schema.Cache.TTL = %v, want 2m", cfg.Schema.Cache.TTL)
	}
	if cfg.Schema.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 3", cfg.Schema.CircuitBreaker.FailureThreshold)
	}
	if !cfg.Realtime.Enabled {
		t.Error("Realtime.Enabled = false, want true")
	}
	if cfg.Realtime.ReconnectDelay != 2*time.Second {
		t.Errorf("Realtime.ReconnectDelay = %v, want 2s", cfg.Realtime.ReconnectDelay)
	}
	if cfg.Realtime.Role != "EQUIPMENT_MANAGER" {
		t.Errorf("Realtime.Role = %q", cfg.Realtime.Role)
	}
	if cfg.Workflow.Store.Driver != "postgres" {
		t.Errorf("Workflow.Store.Driver = %q, want postgres", cfg.Workflow.Store.Driver)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Workflow.Store.MaxIdleConns != 5 {
		t.Errorf("Workflow.Store.MaxIdleConns = %d, want default 5", cfg.Workflow.Store.MaxIdleConns)
	}
	if cfg.Idempotency.Store.Driver != "redis" || cfg.Idempotency.Store.DB != 2 {
		t.Errorf("Idempotency.Store = %+v", cfg.Idempotency.Store)
	}
	if cfg.Idempotency.Store.DefaultTTL != 12*time.Hour {
		t.Errorf("Idempotency.Store.DefaultTTL = %v, want 12h", cfg.Idempotency.Store.DefaultTTL)
	}
	if cfg.Observability.Tracing.Exporter != "stdout" {
		t.Errorf("Tracing.Exporter = %q, want stdout", cfg.Observability.Tracing.Exporter)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_invalid_drivers(t *testing.T) {
	_, err := Load("testdata/invalid_driver.yaml")
	if err == nil {
		t.Fatal("Load() with unsupported drivers should return error")
	}
	for _, want := range []string{"schema.base_url", "schema.cache.driver", "workflow.store.driver", "idempotency.store.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Realtime.ReconnectDelay != 5*time.Second {
		t.Errorf("default Realtime.ReconnectDelay = %v, want 5s", cfg.Realtime.ReconnectDelay)
	}
	if cfg.Schema.MaxRefDepth != 32 {
		t.Errorf("default Schema.MaxRefDepth = %d, want 32", cfg.Schema.MaxRefDepth)
	}
	if cfg.Schema.Cache.TTL != 5*time.Minute {
		t.Errorf("default Schema.Cache.TTL = %v, want 5m", cfg.Schema.Cache.TTL)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if !cfg.Idempotency.Enabled || cfg.Idempotency.Store.DefaultTTL != 24*time.Hour {
		t.Errorf("default Idempotency = %+v", cfg.Idempotency)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BANDFLOW_SERVER_PORT", "3000")
	t.Setenv("BANDFLOW_IDENTITY_ISSUER", "https://env-issuer.example")
	t.Setenv("BANDFLOW_REALTIME_ROLE", "STUDENT")
	t.Setenv("BANDFLOW_REALTIME_RECONNECT_DELAY", "750ms")
	t.Setenv("BANDFLOW_SCHEMA_CACHE_DRIVER", "memory")
	t.Setenv("BANDFLOW_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("BANDFLOW_IDENTITY_POLICY_FILE", "/etc/bandflow/policy.yaml")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.example" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Realtime.Role != "STUDENT" {
		t.Errorf("Realtime.Role = %q, want STUDENT", cfg.Realtime.Role)
	}
	if cfg.Realtime.ReconnectDelay != 750*time.Millisecond {
		t.Errorf("Realtime.ReconnectDelay = %v, want 750ms", cfg.Realtime.ReconnectDelay)
	}
	if cfg.Schema.Cache.Driver != "memory" {
		t.Errorf("Schema.Cache.Driver = %q, want memory", cfg.Schema.Cache.Driver)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Identity.PolicyFile != "/etc/bandflow/policy.yaml" {
		t.Errorf("Identity.PolicyFile = %q, want env override", cfg.Identity.PolicyFile)
	}
}

func TestEnvOverrides_bad_value(t *testing.T) {
	t.Setenv("BANDFLOW_SERVER_PORT", "not-a-number")

	if _, err := Load("testdata/valid.yaml"); err == nil {
		t.Fatal("Load() with malformed env override should return error")
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_redis_requires_addr(t *testing.T) {
	cfg := Defaults()
	cfg.Schema.Cache.Driver = "redis"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "addr_env") {
		t.Fatalf("Validate() = %v, want addr_env error", err)
	}
}

func TestValidate_idempotency_redis_requires_addr(t *testing.T) {
	cfg := Defaults()
	cfg.Idempotency.Store.Driver = "redis"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "idempotency.store.addr_env") {
		t.Fatalf("Validate() = %v, want idempotency addr_env error", err)
	}

	cfg.Idempotency.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with idempotency disabled = %v, want nil", err)
	}
}

func TestValidate_realtime_requires_broker(t *testing.T) {
	cfg := Defaults()
	cfg.Realtime.Enabled = true
	cfg.Realtime.BrokerURL = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with realtime enabled and no broker should return error")
	}
}

func TestSecret(t *testing.T) {
	t.Setenv("BANDFLOW_TEST_SECRET", "s3cr3t")
	if got := Secret("BANDFLOW_TEST_SECRET"); got != "s3cr3t" {
		t.Errorf("Secret() = %q", got)
	}
	if got := Secret(""); got != "" {
		t.Errorf("Secret(\"\") = %q, want empty", got)
	}
}
