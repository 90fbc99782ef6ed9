package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConnectionString(t *testing.T) {
	cfg := DatabaseConfig{Host: "localhost", Port: 5432, User: "user", Password: "pass", Name: "db", SSLMode: "disable"}
	want := "host=localhost port=5432 user=user password=pass dbname=db sslmode=disable"
	if got := cfg.ConnectionString(); got != want {
		t.Fatalf("connection string mismatch: %s", got)
	}
}

func TestConnectionString_EmptyFields(t *testing.T) {
	cfg := DatabaseConfig{}
	want := "host= port=0 user= password= dbname= sslmode="
	if got := cfg.ConnectionString(); got != want {
		t.Fatalf("connection string mismatch: %s", got)
	}
}

func TestNewDefaults(t *testing.T) {
	cfg := New()
	if cfg == nil {
		t.Fatal("New() should return non-nil config")
	}
	if cfg.OrchestratorPort != 8080 {
		t.Errorf("expected default orchestrator port 8080, got %d", cfg.OrchestratorPort)
	}
	if cfg.Saga.Workers != 8 {
		t.Errorf("expected default saga worker count 8, got %d", cfg.Saga.Workers)
	}
	if cfg.Env != Development {
		t.Errorf("expected default environment development, got %s", cfg.Env)
	}
}

func TestLoadHandlesMissingEnvFile(t *testing.T) {
	t.Setenv("SAGAFLOW_ENV", "testing")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load should ignore missing .env file: %v", err)
	}
	if cfg.Env != Testing {
		t.Fatalf("expected testing environment, got %s", cfg.Env)
	}
}

func TestLoadReadsDocumentedEnvVarNames(t *testing.T) {
	t.Setenv("SAGAFLOW_ENV", "testing")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/sagaflow")
	t.Setenv("MAX_CONSECUTIVE_FAILURES", "7")
	t.Setenv("PRIMARY_SERVICE_URL", "http://primary.internal")
	t.Setenv("REPLICA_SERVICE_URL", "http://replica.internal")
	t.Setenv("HEALTH_PATH", "/healthz")
	t.Setenv("BROKER_URL", "postgres://u:p@broker:5432/sagaflow")
	t.Setenv("MAX_REDELIVER_COUNT", "9")
	t.Setenv("ACK_TIMEOUT_MILLIS", "15000")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.DSN != "postgres://u:p@db:5432/sagaflow" {
		t.Errorf("Database.DSN = %q, want DATABASE_URL value", cfg.Database.DSN)
	}
	if cfg.Proxy.ConsecutiveFailureMax != 7 {
		t.Errorf("ConsecutiveFailureMax = %d, want 7", cfg.Proxy.ConsecutiveFailureMax)
	}
	if cfg.Proxy.CampaignServiceActive != "http://primary.internal" {
		t.Errorf("CampaignServiceActive = %q, want PRIMARY_SERVICE_URL value", cfg.Proxy.CampaignServiceActive)
	}
	if cfg.Proxy.CampaignServiceStandby != "http://replica.internal" {
		t.Errorf("CampaignServiceStandby = %q, want REPLICA_SERVICE_URL value", cfg.Proxy.CampaignServiceStandby)
	}
	if cfg.Proxy.HealthPath != "/healthz" {
		t.Errorf("HealthPath = %q, want /healthz", cfg.Proxy.HealthPath)
	}
	if cfg.EventBus.BrokerURL != "postgres://u:p@broker:5432/sagaflow" {
		t.Errorf("BrokerURL = %q, want BROKER_URL value", cfg.EventBus.BrokerURL)
	}
	if cfg.EventBus.MaxRedeliverCount != 9 {
		t.Errorf("MaxRedeliverCount = %d, want 9", cfg.EventBus.MaxRedeliverCount)
	}
	if cfg.EventBus.AckTimeout != 15*time.Second {
		t.Errorf("AckTimeout = %v, want 15s", cfg.EventBus.AckTimeout)
	}
	if cfg.Collector.RedisAddr() != "cache.internal:6380" {
		t.Errorf("RedisAddr() = %q, want cache.internal:6380", cfg.Collector.RedisAddr())
	}
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	t.Setenv("SAGAFLOW_ENV", "bogus")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown SAGAFLOW_ENV")
	}
}

func TestValidateProductionRejectsDebugEndpoints(t *testing.T) {
	cfg := New()
	cfg.Env = Production
	cfg.EnableDebugEndpoints = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for debug endpoints enabled in production")
	}
}

func TestValidateRejectsInvalidPort(t *testing.T) {
	cfg := New()
	cfg.OrchestratorPort = 80
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for privileged port")
	}
}

func TestOverlayFromFileMergesYAMLOnTopOfDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	contents := "log_level: debug\nsaga:\n  workers: 16\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write overlay file: %v", err)
	}

	cfg := New()
	if err := cfg.overlayFromFile(path); err != nil {
		t.Fatalf("overlayFromFile: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level overridden to debug, got %s", cfg.LogLevel)
	}
	if cfg.Saga.Workers != 16 {
		t.Errorf("expected saga workers overridden to 16, got %d", cfg.Saga.Workers)
	}
}

func TestOverlayFromFileIgnoresMissingFile(t *testing.T) {
	cfg := New()
	if err := cfg.overlayFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("missing overlay file should not error: %v", err)
	}
}
