// Package config provides YAML configuration loading with validation and
// environment variable substitution for the telematics bridge.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bridge configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Breaker   BreakerConfig   `yaml:"breaker" json:"breaker"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	Upstreams []UpstreamConfig `yaml:"upstreams" json:"upstreams"`
	Routes    []RouteConfig    `yaml:"routes" json:"routes"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port             int           `yaml:"port" json:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies   []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	RequestTimeoutMs int           `yaml:"request_timeout_ms" json:"request_timeout_ms"`
	TLS              TLSConfig     `yaml:"tls" json:"tls"`
}

// RequestTimeout returns the overall per-request deadline. The whole call
// chain — validation, auth, every retry attempt and backoff — must finish
// within this budget.
func (s ServerConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds access log output and debug settings.
type LoggingConfig struct {
	Output          string `yaml:"output" json:"output"`                         // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB       int    `yaml:"max_size_mb" json:"max_size_mb"`               // max log file size before rotation; default: 100
	MaxBackups      int    `yaml:"max_backups" json:"max_backups"`               // number of rotated files to keep; default: 3
	MaxAgeDays      int    `yaml:"max_age_days" json:"max_age_days"`             // max days to retain rotated files; default: 30
	BodyLogging     bool   `yaml:"body_logging" json:"body_logging"`             // log request/response bodies; default: false
	MaxBodyLogBytes int    `yaml:"max_body_log_bytes" json:"max_body_log_bytes"` // max bytes of body to log; default: 4096
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// RateLimitConfig holds the global rate limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AuthConfig holds JWT/OAuth2 authentication settings.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// BreakerConfig holds circuit breaker settings applied to all upstreams.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenTrials   int           `yaml:"half_open_trials" json:"half_open_trials"`
}

// RetryConfig holds the retry policy applied to all upstream calls.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier     float64       `yaml:"multiplier" json:"multiplier"`
	JitterFraction float64       `yaml:"jitter_fraction" json:"jitter_fraction"`
}

// UpstreamConfig defines one external telematics service the bridge calls.
type UpstreamConfig struct {
	Name           string                `yaml:"name" json:"name"`
	BaseURL        string                `yaml:"base_url" json:"base_url"`
	TimeoutMs      int                   `yaml:"timeout_ms" json:"timeout_ms"` // per-attempt timeout
	Headers        map[string]string     `yaml:"headers" json:"headers,omitempty"`
	ConnectionPool *ConnectionPoolConfig `yaml:"connection_pool" json:"connection_pool,omitempty"`
}

// Timeout returns the per-attempt upstream timeout as a time.Duration.
func (u UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(u.TimeoutMs) * time.Millisecond
}

// ConnectionPoolConfig holds per-upstream HTTP transport pool settings.
type ConnectionPoolConfig struct {
	MaxIdleConns   int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdlePerHost int           `yaml:"max_idle_per_host" json:"max_idle_per_host"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// RouteConfig maps an inbound path prefix to an upstream operation.
type RouteConfig struct {
	PathPrefix   string            `yaml:"path_prefix" json:"path_prefix"`
	Upstream     string            `yaml:"upstream" json:"upstream"`
	StripPrefix  bool              `yaml:"strip_prefix" json:"strip_prefix"`
	Methods      []string          `yaml:"methods" json:"methods"`
	AuthRequired bool              `yaml:"auth_required" json:"auth_required"`
	Schema       string            `yaml:"schema" json:"schema"`       // "", "credentials", or "vin"
	Transform    string            `yaml:"transform" json:"transform"` // "", or "abrp"
	Headers      map[string]string `yaml:"headers" json:"headers,omitempty"`
	RateOverride *RateLimitConfig  `yaml:"rate_override" json:"rate_override,omitempty"`
	LogLevel     string            `yaml:"log_level" json:"log_level"` // "debug", "info", "warn", "error", "none"; default: "info"
}

// Schema and transform names accepted in route config.
const (
	SchemaCredentials = "credentials"
	SchemaVIN         = "vin"
	TransformABRP     = "abrp"
)

// ValidSchemas are the accepted request validation schema names.
var ValidSchemas = map[string]bool{
	"":                true, // no validation
	SchemaCredentials: true,
	SchemaVIN:         true,
}

// ValidTransforms are the accepted response transform names.
var ValidTransforms = map[string]bool{
	"":            true, // passthrough
	TransformABRP: true,
}

// ValidLogLevels are the accepted log level strings for routes.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"none":  true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Logging.MaxBodyLogBytes == 0 {
		cfg.Logging.MaxBodyLogBytes = 4096
	}

	// TLS defaults
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}
	if cfg.Server.RequestTimeoutMs == 0 {
		cfg.Server.RequestTimeoutMs = 30000
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	// Circuit breaker defaults
	br := &cfg.Breaker
	if br.FailureThreshold == 0 {
		br.FailureThreshold = 5
	}
	if br.RecoveryTimeout == 0 {
		br.RecoveryTimeout = 60 * time.Second
	}
	if br.HalfOpenTrials == 0 {
		br.HalfOpenTrials = 1
	}

	// Retry defaults
	rt := &cfg.Retry
	if rt.MaxAttempts == 0 {
		rt.MaxAttempts = 3
	}
	if rt.BaseDelay == 0 {
		rt.BaseDelay = 100 * time.Millisecond
	}
	if rt.MaxDelay == 0 {
		rt.MaxDelay = 10 * time.Second
	}
	if rt.Multiplier == 0 {
		rt.Multiplier = 2.0
	}
	if rt.JitterFraction == 0 {
		rt.JitterFraction = 0.1
	}

	for i := range cfg.Upstreams {
		if cfg.Upstreams[i].TimeoutMs == 0 {
			cfg.Upstreams[i].TimeoutMs = 10000
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.RequestTimeoutMs < 0 {
		return fmt.Errorf("server.request_timeout_ms must be non-negative")
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}
	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	// Circuit breaker validation
	br := cfg.Breaker
	if br.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if br.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be positive")
	}
	if br.HalfOpenTrials < 1 {
		return fmt.Errorf("breaker.half_open_trials must be positive")
	}

	// Retry validation
	rt := cfg.Retry
	if rt.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if rt.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if rt.MaxDelay < rt.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	if rt.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if rt.JitterFraction < 0 || rt.JitterFraction > 1 {
		return fmt.Errorf("retry.jitter_fraction must be between 0 and 1")
	}

	// TLS validation
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	// Logging validation
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}
	if cfg.Logging.BodyLogging && cfg.Logging.MaxBodyLogBytes < 1 {
		return fmt.Errorf("logging.max_body_log_bytes must be positive when body_logging is enabled")
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	// Upstream validation
	if len(cfg.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream must be configured")
	}
	upstreamNames := make(map[string]bool)
	for i, u := range cfg.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("upstreams[%d].name is required", i)
		}
		if upstreamNames[u.Name] {
			return fmt.Errorf("duplicate upstream name: %s", u.Name)
		}
		upstreamNames[u.Name] = true

		if u.BaseURL == "" {
			return fmt.Errorf("upstreams[%d].base_url is required", i)
		}
		parsed, err := url.Parse(u.BaseURL)
		if err != nil {
			return fmt.Errorf("upstreams[%d].base_url: invalid URL: %w", i, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("upstreams[%d].base_url: scheme must be http or https, got %q", i, parsed.Scheme)
		}
		if parsed.Host == "" {
			return fmt.Errorf("upstreams[%d].base_url: host is required", i)
		}
		if u.ConnectionPool != nil {
			cp := u.ConnectionPool
			if cp.MaxIdleConns < 0 {
				return fmt.Errorf("upstreams[%d].connection_pool.max_idle_conns must be non-negative", i)
			}
			if cp.MaxIdlePerHost < 0 {
				return fmt.Errorf("upstreams[%d].connection_pool.max_idle_per_host must be non-negative", i)
			}
			if cp.IdleTimeout < 0 {
				return fmt.Errorf("upstreams[%d].connection_pool.idle_timeout must be non-negative", i)
			}
		}
	}

	// Route validation
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route must be configured")
	}
	seen := make(map[string]bool)
	for i, r := range cfg.Routes {
		if r.PathPrefix == "" {
			return fmt.Errorf("routes[%d].path_prefix is required", i)
		}
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return fmt.Errorf("routes[%d].path_prefix must start with /", i)
		}
		if r.Upstream == "" {
			return fmt.Errorf("routes[%d].upstream is required", i)
		}
		if !upstreamNames[r.Upstream] {
			return fmt.Errorf("routes[%d].upstream references unknown upstream %q", i, r.Upstream)
		}
		if seen[r.PathPrefix] {
			return fmt.Errorf("duplicate route path_prefix: %s", r.PathPrefix)
		}
		seen[r.PathPrefix] = true

		if !ValidSchemas[r.Schema] {
			return fmt.Errorf("routes[%d].schema must be one of credentials, vin; got %q", i, r.Schema)
		}
		if !ValidTransforms[r.Transform] {
			return fmt.Errorf("routes[%d].transform must be \"abrp\" or empty; got %q", i, r.Transform)
		}
		if !ValidLogLevels[r.LogLevel] {
			return fmt.Errorf("routes[%d].log_level must be one of debug, info, warn, error, none; got %q", i, r.LogLevel)
		}
		if r.RateOverride != nil {
			if r.RateOverride.RequestsPerSecond <= 0 {
				return fmt.Errorf("routes[%d].rate_override.requests_per_second must be positive", i)
			}
			if r.RateOverride.BurstSize <= 0 {
				return fmt.Errorf("routes[%d].rate_override.burst_size must be positive", i)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if cfg.Breaker.RecoveryTimeout < time.Second {
		warnings = append(warnings, "breaker.recovery_timeout below 1s may cause rapid open/half-open flapping")
	}
	return warnings
}
