// Package config provides environment-aware configuration management for
// the saga orchestrator, failover proxy, and event collector binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// ParseEnvironment maps a raw string onto a known Environment, defaulting to
// Development when the value is empty or unrecognized.
func ParseEnvironment(raw string) (Environment, bool) {
	switch Environment(strings.ToLower(strings.TrimSpace(raw))) {
	case Development:
		return Development, true
	case Testing:
		return Testing, true
	case Production:
		return Production, true
	default:
		return Development, false
	}
}

// Config holds all application configuration, shared across the
// orchestrator, proxy, and collector binaries; each reads only the sections
// it needs.
type Config struct {
	Env Environment `yaml:"env"`

	// Database is the Postgres connection backing saga/outbox/inbox stores.
	Database DatabaseConfig `yaml:"database"`

	// EventBus configures the durable Postgres-backed event bus (C1).
	EventBus EventBusConfig `yaml:"event_bus"`

	// Saga tunes engine concurrency and the timeout sweeper (C5).
	Saga SagaConfig `yaml:"saga"`

	// Outbox tunes the drainer cadence shared by every service's outbox (C2).
	Outbox OutboxConfig `yaml:"outbox"`

	// Proxy configures the failover reverse proxy (C7).
	Proxy ProxyConfig `yaml:"proxy"`

	// Collector configures the tracking-event ingress pipeline (C8).
	Collector CollectorConfig `yaml:"collector"`

	// Participants configures the HTTP adapters that call out to the
	// campaign, payment, and report services (C6).
	Participants ParticipantsConfig `yaml:"participants"`

	// Ports
	OrchestratorPort int `yaml:"orchestrator_port"`
	ProxyPort        int `yaml:"proxy_port"`
	CollectorPort    int `yaml:"collector_port"`
	MetricsPort      int `yaml:"metrics_port"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Security
	APITokens        []string `yaml:"api_tokens"`
	RateLimitEnabled bool     `yaml:"rate_limit_enabled"`

	// Features
	EnableDebugEndpoints bool `yaml:"enable_debug_endpoints"`
	TestMode             bool `yaml:"test_mode"`
	MetricsEnabled       bool `yaml:"metrics_enabled"`
}

// DatabaseConfig describes the Postgres connection used for all durable
// stores (saga log, outbox, inbox, data-service config, dedup).
type DatabaseConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Name        string        `yaml:"name"`
	SSLMode     string        `yaml:"sslmode"`
	MaxConns    int           `yaml:"max_conns"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	DSN         string        `yaml:"dsn"`
}

// ConnectionString renders a libpq-style connection string. When DSN is set
// explicitly, it always takes precedence and callers should prefer it over
// this derived form.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// EventBusConfig tunes C1's redelivery and partitioning behavior.
type EventBusConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxRedeliverCount  int           `yaml:"max_redeliver_count"`
	RedeliverBaseDelay time.Duration `yaml:"redeliver_base_delay"`
	RedeliverMaxDelay  time.Duration `yaml:"redeliver_max_delay"`

	// BrokerURL is the DSN used for the bus's dedicated LISTEN connection.
	// Empty means reuse the main database connection string; operators
	// running a pooled DATABASE_URL through pgbouncer point this at a
	// direct, non-pooled connection instead, since LISTEN/NOTIFY requires
	// one.
	BrokerURL string `yaml:"broker_url"`

	// AckTimeout bounds how long a claimed delivery may sit in_flight
	// before discover() reclaims it back to pending, covering a worker
	// that crashes or is killed mid-handler.
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// SagaConfig tunes the engine's worker pool and sweeper cadence (C5).
type SagaConfig struct {
	Workers            int           `yaml:"workers"`
	StepTimeout        time.Duration `yaml:"step_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	DefaultSagaTimeout time.Duration `yaml:"default_saga_timeout"`
}

// OutboxConfig tunes the drainer used by every outbox-owning service (C2).
type OutboxConfig struct {
	DrainInterval time.Duration `yaml:"drain_interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

// ProxyConfig configures upstream groups and health-probe hysteresis (C7).
type ProxyConfig struct {
	ListenAddr             string        `yaml:"listen_addr"`
	HealthPath             string        `yaml:"health_path"`
	HealthProbeInterval    time.Duration `yaml:"health_probe_interval"`
	HealthProbeTimeout     time.Duration `yaml:"health_probe_timeout"`
	ConsecutiveFailureMax  int           `yaml:"consecutive_failure_max"`
	CampaignServiceActive  string        `yaml:"campaign_service_active"`
	CampaignServiceStandby string        `yaml:"campaign_service_standby"`
}

// CollectorConfig configures ingestion validation, rate limiting, and
// dedup for tracking events (C8).
type CollectorConfig struct {
	UseRedis           bool          `yaml:"use_redis"`
	RedisHost          string        `yaml:"redis_host"`
	RedisPort          int           `yaml:"redis_port"`
	RateLimitPerWindow int           `yaml:"rate_limit_per_window"`
	RateLimitWindow    time.Duration `yaml:"rate_limit_window"`
	DedupTTL           time.Duration `yaml:"dedup_ttl"`
	MaxEventAgeSkew    time.Duration `yaml:"max_event_age_skew"`
}

// RedisAddr renders host:port for callers constructing a redis.Options.
func (c CollectorConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// ParticipantsConfig points the C6 adapters at their upstream services.
// CampaignServiceURL is the C7 proxy's own listen address — campaign and
// report calls are fronted by the proxy, payment calls are not.
type ParticipantsConfig struct {
	CampaignServiceURL string        `yaml:"campaign_service_url"`
	PaymentServiceURL  string        `yaml:"payment_service_url"`
	ReportServiceURL   string        `yaml:"report_service_url"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

// Load loads configuration based on the SAGAFLOW_ENV environment variable,
// optionally overlaying an environment-specific .env file before reading
// environment variables.
func Load() (*Config, error) {
	envStr := os.Getenv("SAGAFLOW_ENV")
	if envStr == "" {
		envStr = string(Development)
	}

	env, ok := ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid SAGAFLOW_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: Could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if yamlPath := os.Getenv("SAGAFLOW_CONFIG_FILE"); yamlPath != "" {
		if err := cfg.overlayFromFile(yamlPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", yamlPath, err)
		}
	}
	return cfg, nil
}

// overlayFromFile merges a YAML operations file on top of the
// environment-derived configuration, for fields operators prefer to manage
// as checked-in config rather than per-process environment variables.
// Missing files are not an error; only a malformed file is.
func (c *Config) overlayFromFile(path string) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

// New returns a Config populated entirely from defaults, used by tests and
// by callers that want to override fields programmatically.
func New() *Config {
	cfg := &Config{Env: Development}
	_ = cfg.loadFromEnv()
	return cfg
}

func (c *Config) loadFromEnv() error {
	c.Database = DatabaseConfig{
		Host:        getEnv("DB_HOST", "localhost"),
		Port:        getIntEnv("DB_PORT", 5432),
		User:        getEnv("DB_USER", "sagaflow"),
		Password:    getEnv("DB_PASSWORD", ""),
		Name:        getEnv("DB_NAME", "sagaflow"),
		SSLMode:     getEnv("DB_SSLMODE", "disable"),
		MaxConns:    getIntEnv("DB_MAX_CONNECTIONS", 20),
		IdleTimeout: getDurationEnv("DB_IDLE_TIMEOUT", 5*time.Minute),
		DSN:         getEnv("DATABASE_URL", ""),
	}

	c.EventBus = EventBusConfig{
		PollInterval:       getDurationEnv("BUS_POLL_INTERVAL", 500*time.Millisecond),
		MaxRedeliverCount:  getIntEnv("MAX_REDELIVER_COUNT", 5),
		RedeliverBaseDelay: getDurationEnv("BUS_REDELIVER_BASE_DELAY", time.Second),
		RedeliverMaxDelay:  getDurationEnv("BUS_REDELIVER_MAX_DELAY", time.Minute),
		BrokerURL:          getEnv("BROKER_URL", ""),
		AckTimeout:         getMillisEnv("ACK_TIMEOUT_MILLIS", 30*time.Second),
	}

	c.Saga = SagaConfig{
		Workers:            getIntEnv("SAGA_WORKERS", 8),
		StepTimeout:        getDurationEnv("SAGA_STEP_TIMEOUT", 30*time.Second),
		SweepInterval:      getDurationEnv("SAGA_SWEEP_INTERVAL", 15*time.Second),
		DefaultSagaTimeout: getDurationEnv("SAGA_DEFAULT_TIMEOUT", 5*time.Minute),
	}

	c.Outbox = OutboxConfig{
		DrainInterval: getDurationEnv("OUTBOX_DRAIN_INTERVAL", time.Second),
		BatchSize:     getIntEnv("OUTBOX_BATCH_SIZE", 50),
		MaxBackoff:    getDurationEnv("OUTBOX_MAX_BACKOFF", 30*time.Second),
	}

	c.Proxy = ProxyConfig{
		ListenAddr:             getEnv("PROXY_LISTEN_ADDR", ":8090"),
		HealthPath:             getEnv("HEALTH_PATH", "/health"),
		HealthProbeInterval:    getDurationEnv("HEALTH_CHECK_INTERVAL", 5*time.Second),
		HealthProbeTimeout:     getDurationEnv("HEALTH_CHECK_TIMEOUT", 2*time.Second),
		ConsecutiveFailureMax:  getIntEnv("MAX_CONSECUTIVE_FAILURES", 3),
		CampaignServiceActive:  getEnv("PRIMARY_SERVICE_URL", "http://campaign-active:9001"),
		CampaignServiceStandby: getEnv("REPLICA_SERVICE_URL", "http://campaign-standby:9001"),
	}

	c.Collector = CollectorConfig{
		UseRedis:           getBoolEnv("USE_REDIS", false),
		RedisHost:          getEnv("REDIS_HOST", "localhost"),
		RedisPort:          getIntEnv("REDIS_PORT", 6379),
		RateLimitPerWindow: getIntEnv("COLLECTOR_RATE_LIMIT", 100),
		RateLimitWindow:    getDurationEnv("COLLECTOR_RATE_WINDOW", time.Minute),
		DedupTTL:           getDurationEnv("COLLECTOR_DEDUP_TTL", 24*time.Hour),
		MaxEventAgeSkew:    getDurationEnv("COLLECTOR_MAX_AGE_SKEW", time.Hour),
	}

	c.Participants = ParticipantsConfig{
		CampaignServiceURL: getEnv("PARTICIPANTS_CAMPAIGN_URL", "http://localhost:8090"),
		PaymentServiceURL:  getEnv("PARTICIPANTS_PAYMENT_URL", "http://payment-service:9002"),
		ReportServiceURL:   getEnv("PARTICIPANTS_REPORT_URL", "http://report-service:9003"),
		RequestTimeout:     getDurationEnv("PARTICIPANTS_REQUEST_TIMEOUT", 10*time.Second),
	}

	c.OrchestratorPort = getIntEnv("ORCHESTRATOR_PORT", 8080)
	c.ProxyPort = getIntEnv("PROXY_PORT", 8090)
	c.CollectorPort = getIntEnv("COLLECTOR_PORT", 8091)
	c.MetricsPort = getIntEnv("METRICS_PORT", 9090)

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	tokens := getEnv("API_TOKENS", "")
	if tokens != "" {
		c.APITokens = strings.Split(tokens, ",")
	}
	c.RateLimitEnabled = getBoolEnv("RATE_LIMIT_ENABLED", true)

	c.EnableDebugEndpoints = getBoolEnv("ENABLE_DEBUG_ENDPOINTS", false)
	c.TestMode = getBoolEnv("TEST_MODE", false)
	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", c.Env == Production || c.Env == Development)

	return nil
}

// IsDevelopment returns true if running in the development environment.
func (c *Config) IsDevelopment() bool { return c.Env == Development }

// IsTesting returns true if running in the testing environment.
func (c *Config) IsTesting() bool { return c.Env == Testing }

// IsProduction returns true if running in the production environment.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate rejects unsafe configuration, most importantly in production.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.EnableDebugEndpoints {
			return fmt.Errorf("ENABLE_DEBUG_ENDPOINTS must be false in production")
		}
		if c.TestMode {
			return fmt.Errorf("TEST_MODE must be false in production")
		}
		if !c.RateLimitEnabled {
			return fmt.Errorf("RATE_LIMIT_ENABLED must be true in production")
		}
	}

	ports := []int{c.OrchestratorPort, c.ProxyPort, c.CollectorPort, c.MetricsPort}
	for _, port := range ports {
		if port < 1024 || port > 65535 {
			return fmt.Errorf("invalid port number: %d (must be between 1024 and 65535)", port)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getMillisEnv reads a plain integer milliseconds value, the convention used
// by ACK_TIMEOUT_MILLIS rather than a Go duration string.
func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
