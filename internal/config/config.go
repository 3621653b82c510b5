// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/breaker"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/identity"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/integrity"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/ratelimit"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/retry"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/retryhandler"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/scheduler"
	collytransport "github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/transport/colly"
)

// Storage backends accepted by the state and assets sections.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Telemetry      TelemetryConfig      `mapstructure:"telemetry"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Identity       IdentityConfig       `mapstructure:"identity"`
	Transport      TransportConfig      `mapstructure:"transport"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	Features       FeaturesConfig       `mapstructure:"features"`
	State          StoreConfig          `mapstructure:"state"`
	Assets         StoreConfig          `mapstructure:"assets"`
	Output         OutputConfig         `mapstructure:"output"`
	Escalation     EscalationConfig     `mapstructure:"escalation"`
	Integrity      IntegrityConfig      `mapstructure:"integrity"`
	RetryHandlers  RetryHandlersConfig  `mapstructure:"retry_handlers"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// RateLimitConfig bounds outbound request volume.
type RateLimitConfig struct {
	MaxRequestsPerSecond float64 `mapstructure:"max_requests_per_second"`
	MaxConcurrent        int     `mapstructure:"max_concurrent"`
	BurstSize            int     `mapstructure:"burst_size"`
	TimeWindowMs         int     `mapstructure:"time_window_ms"`
	// PerHostRPS enables the per-host token bucket when > 0.
	PerHostRPS float64 `mapstructure:"per_host_rps"`
}

// RetryConfig configures in-request retries.
type RetryConfig struct {
	MaxRetries           int      `mapstructure:"max_retries"`
	BaseDelayMs          int      `mapstructure:"base_delay_ms"`
	MaxDelayMs           int      `mapstructure:"max_delay_ms"`
	BackoffFactor        float64  `mapstructure:"backoff_factor"`
	Jitter               bool     `mapstructure:"jitter"`
	RetryableErrors      []string `mapstructure:"retryable_errors"`
	RetryableStatusCodes []int    `mapstructure:"retryable_status_codes"`
}

// CircuitBreakerConfig configures the shared breaker.
type CircuitBreakerConfig struct {
	FailureThreshold       int `mapstructure:"failure_threshold"`
	RecoveryTimeoutSeconds int `mapstructure:"recovery_timeout_seconds"`
	SuccessThreshold       int `mapstructure:"success_threshold"`
	HalfOpenMaxCalls       int `mapstructure:"half_open_max_calls"`
}

// IdentityConfig lists user agents and proxies.
type IdentityConfig struct {
	UserAgents                 []string `mapstructure:"user_agents"`
	UserAgentStrategy          string   `mapstructure:"user_agent_strategy"`
	ProxyEnabled               bool     `mapstructure:"proxy_enabled"`
	Proxies                    []string `mapstructure:"proxies"`
	ProxyStrategy              string   `mapstructure:"proxy_strategy"`
	HealthCheckIntervalSeconds int      `mapstructure:"health_check_interval_seconds"`
}

// TransportConfig configures the colly transport.
type TransportConfig struct {
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
	RespectRobots  bool `mapstructure:"respect_robots"`
	MaxBodyBytes   int  `mapstructure:"max_body_bytes"`
}

// SchedulerConfig configures the failed-task retry loop.
type SchedulerConfig struct {
	PollIntervalSeconds   int `mapstructure:"poll_interval_seconds"`
	MaxWorkers            int `mapstructure:"max_workers"`
	BaseRetryDelaySeconds int `mapstructure:"base_retry_delay_seconds"`
	MaxRetryDelaySeconds  int `mapstructure:"max_retry_delay_seconds"`
	StopTimeoutSeconds    int `mapstructure:"stop_timeout_seconds"`
}

// FeaturesConfig toggles optional behavior.
type FeaturesConfig struct {
	EnableAutoRetry      bool `mapstructure:"enable_auto_retry"`
	EnableIntegrityCheck bool `mapstructure:"enable_integrity_check"`
}

// StoreConfig selects a document or blob backend.
type StoreConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// OutputConfig selects where collected items are recorded.
type OutputConfig struct {
	Backend                string `mapstructure:"backend"`
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	EnsureSchema           bool   `mapstructure:"ensure_schema"`
}

// EscalationConfig holds the Pub/Sub topic for exhausted tasks.
type EscalationConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// IntegrityConfig holds validation thresholds.
type IntegrityConfig struct {
	StaleAfterHours       int `mapstructure:"stale_after_hours"`
	MinCursorLength       int `mapstructure:"min_cursor_length"`
	MinErrorMessageLength int `mapstructure:"min_error_message_length"`
	OverdueGraceSeconds   int `mapstructure:"overdue_grace_seconds"`
}

// RetryHandlersConfig holds the URL templates of the built-in handlers.
type RetryHandlersConfig struct {
	ListURLTemplate   string `mapstructure:"list_url_template"`
	DetailURLTemplate string `mapstructure:"detail_url_template"`
	ImageURLTemplate  string `mapstructure:"image_url_template"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "collectord")
	v.SetDefault("rate_limit.max_requests_per_second", 4.0)
	v.SetDefault("rate_limit.max_concurrent", 5)
	v.SetDefault("rate_limit.burst_size", 10)
	v.SetDefault("rate_limit.time_window_ms", 1000)
	v.SetDefault("rate_limit.per_host_rps", 0)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 60000)
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("retry.retryable_errors", []string{"network", "timeout", "http_status"})
	v.SetDefault("retry.retryable_status_codes", []int{429, 500, 502, 503, 504})
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.recovery_timeout_seconds", 60)
	v.SetDefault("circuit_breaker.success_threshold", 2)
	v.SetDefault("identity.user_agent_strategy", "round_robin")
	v.SetDefault("identity.proxy_enabled", false)
	v.SetDefault("identity.proxy_strategy", "round_robin")
	v.SetDefault("identity.health_check_interval_seconds", 300)
	v.SetDefault("transport.timeout_seconds", 30)
	v.SetDefault("transport.respect_robots", false)
	v.SetDefault("scheduler.poll_interval_seconds", 30)
	v.SetDefault("scheduler.max_workers", 5)
	v.SetDefault("scheduler.base_retry_delay_seconds", 300)
	v.SetDefault("scheduler.max_retry_delay_seconds", 3600)
	v.SetDefault("scheduler.stop_timeout_seconds", 30)
	v.SetDefault("features.enable_auto_retry", true)
	v.SetDefault("features.enable_integrity_check", true)
	v.SetDefault("state.backend", BackendLocal)
	v.SetDefault("state.base_dir", "data/state")
	v.SetDefault("assets.backend", BackendLocal)
	v.SetDefault("assets.base_dir", "data/assets")
	v.SetDefault("output.backend", BackendMemory)
	v.SetDefault("output.table", "collected_items")
	v.SetDefault("output.max_conns", 4)
	v.SetDefault("output.max_conn_lifetime_minutes", 30)
	v.SetDefault("integrity.stale_after_hours", 168)
	v.SetDefault("integrity.min_cursor_length", 10)
	v.SetDefault("integrity.min_error_message_length", 5)
	v.SetDefault("integrity.overdue_grace_seconds", 300)
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocognit // one flat check per knob
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.RateLimit.MaxRequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.max_requests_per_second must be > 0")
	}
	if c.RateLimit.MaxConcurrent <= 0 {
		return fmt.Errorf("rate_limit.max_concurrent must be > 0")
	}
	if c.RateLimit.TimeWindowMs <= 0 {
		return fmt.Errorf("rate_limit.time_window_ms must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1")
	}
	for _, name := range c.Retry.RetryableErrors {
		switch retry.ErrorClass(name) {
		case retry.ClassNetwork, retry.ClassTimeout, retry.ClassHTTPStatus, retry.ClassUnknown:
		default:
			return fmt.Errorf("retry.retryable_errors: unknown class %q", name)
		}
	}
	if c.CircuitBreaker.FailureThreshold <= 0 || c.CircuitBreaker.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit_breaker thresholds must be > 0")
	}
	if c.CircuitBreaker.RecoveryTimeoutSeconds <= 0 {
		return fmt.Errorf("circuit_breaker.recovery_timeout_seconds must be > 0")
	}
	if !identity.Strategy(c.Identity.UserAgentStrategy).Valid() {
		return fmt.Errorf("identity.user_agent_strategy %q is invalid", c.Identity.UserAgentStrategy)
	}
	if !identity.Strategy(c.Identity.ProxyStrategy).Valid() {
		return fmt.Errorf("identity.proxy_strategy %q is invalid", c.Identity.ProxyStrategy)
	}
	if c.Identity.ProxyEnabled && len(c.Identity.Proxies) == 0 {
		return fmt.Errorf("identity.proxies must be set when identity.proxy_enabled is true")
	}
	if c.Transport.TimeoutSeconds <= 0 {
		return fmt.Errorf("transport.timeout_seconds must be > 0")
	}
	if c.Scheduler.MaxWorkers <= 0 {
		return fmt.Errorf("scheduler.max_workers must be > 0")
	}
	if c.Scheduler.PollIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.poll_interval_seconds must be > 0")
	}
	if err := c.State.validate("state", BackendMemory, BackendLocal, BackendGCS); err != nil {
		return err
	}
	if err := c.Assets.validate("assets", BackendMemory, BackendLocal, BackendGCS); err != nil {
		return err
	}
	switch c.Output.Backend {
	case BackendMemory, BackendNone:
	case BackendPostgres:
		if c.Output.DSN == "" {
			return fmt.Errorf("output.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("output.backend %q is invalid", c.Output.Backend)
	}
	if (c.Escalation.TopicName == "") != (c.Escalation.ProjectID == "") {
		return fmt.Errorf("escalation.project_id and escalation.topic_name must be set together")
	}
	return nil
}

func (s StoreConfig) validate(section string, allowed ...string) error {
	switch s.Backend {
	case BackendLocal:
		if s.BaseDir == "" {
			return fmt.Errorf("%s.base_dir must be set for the local backend", section)
		}
	case BackendGCS:
		if s.GCSBucket == "" {
			return fmt.Errorf("%s.gcs_bucket must be set for the gcs backend", section)
		}
	}
	for _, a := range allowed {
		if s.Backend == a {
			return nil
		}
	}
	return fmt.Errorf("%s.backend %q is invalid", section, s.Backend)
}

// RateLimiterConfig converts the rate_limit section.
func (c Config) RateLimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		MaxRequestsPerSecond: c.RateLimit.MaxRequestsPerSecond,
		MaxConcurrent:        c.RateLimit.MaxConcurrent,
		BurstSize:            c.RateLimit.BurstSize,
		TimeWindow:           time.Duration(c.RateLimit.TimeWindowMs) * time.Millisecond,
	}
}

// RetryHandlerConfig converts the retry section.
func (c Config) RetryHandlerConfig() retry.Config {
	classes := make([]retry.ErrorClass, 0, len(c.Retry.RetryableErrors))
	for _, name := range c.Retry.RetryableErrors {
		classes = append(classes, retry.ErrorClass(name))
	}
	return retry.Config{
		MaxRetries:           c.Retry.MaxRetries,
		BaseDelay:            time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:             time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
		BackoffFactor:        c.Retry.BackoffFactor,
		Jitter:               c.Retry.Jitter,
		RetryableClasses:     classes,
		RetryableStatusCodes: c.Retry.RetryableStatusCodes,
	}
}

// BreakerConfig converts the circuit_breaker section.
func (c Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(c.CircuitBreaker.RecoveryTimeoutSeconds) * time.Second,
		SuccessThreshold: c.CircuitBreaker.SuccessThreshold,
		HalfOpenMaxCalls: c.CircuitBreaker.HalfOpenMaxCalls,
	}
}

// IdentityConfig converts the identity section.
func (c Config) IdentityConfig() identity.Config {
	return identity.Config{
		UserAgents:          c.Identity.UserAgents,
		UserAgentStrategy:   identity.Strategy(c.Identity.UserAgentStrategy),
		ProxyEnabled:        c.Identity.ProxyEnabled,
		Proxies:             c.Identity.Proxies,
		ProxyStrategy:       identity.Strategy(c.Identity.ProxyStrategy),
		HealthCheckInterval: time.Duration(c.Identity.HealthCheckIntervalSeconds) * time.Second,
	}
}

// TransportConfig converts the transport section.
func (c Config) TransportConfig() collytransport.Config {
	return collytransport.Config{
		Timeout:       time.Duration(c.Transport.TimeoutSeconds) * time.Second,
		RespectRobots: c.Transport.RespectRobots,
		MaxBodySize:   c.Transport.MaxBodyBytes,
	}
}

// SchedulerConfig converts the scheduler and escalation sections.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		PollInterval:    time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second,
		MaxWorkers:      c.Scheduler.MaxWorkers,
		BaseRetryDelay:  time.Duration(c.Scheduler.BaseRetryDelaySeconds) * time.Second,
		MaxRetryDelay:   time.Duration(c.Scheduler.MaxRetryDelaySeconds) * time.Second,
		StopTimeout:     time.Duration(c.Scheduler.StopTimeoutSeconds) * time.Second,
		EscalationTopic: c.Escalation.TopicName,
	}
}

// IntegrityConfig converts the integrity section.
func (c Config) IntegrityConfig() integrity.Config {
	return integrity.Config{
		StaleAfter:            time.Duration(c.Integrity.StaleAfterHours) * time.Hour,
		MinCursorLength:       c.Integrity.MinCursorLength,
		MinErrorMessageLength: c.Integrity.MinErrorMessageLength,
		OverdueGrace:          time.Duration(c.Integrity.OverdueGraceSeconds) * time.Second,
	}
}

// HandlersConfig converts the retry_handlers section.
func (c Config) HandlersConfig() retryhandler.Config {
	return retryhandler.Config{
		ListURLTemplate:   c.RetryHandlers.ListURLTemplate,
		DetailURLTemplate: c.RetryHandlers.DetailURLTemplate,
		ImageURLTemplate:  c.RetryHandlers.ImageURLTemplate,
		BlobPrefix:        c.Assets.Prefix,
	}
}

// ShutdownTimeout returns the HTTP server drain budget.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
