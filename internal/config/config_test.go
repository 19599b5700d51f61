package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// minimalYAML is a valid baseline config used by several tests.
const minimalYAML = `
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
`

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.RateLimit.RequestsPerSecond != 100 {
		t.Errorf("expected default rps 100, got %f", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.BurstSize != 50 {
		t.Errorf("expected default burst 50, got %d", cfg.RateLimit.BurstSize)
	}
	if cfg.Server.MaxBodyBytes != 1048576 {
		t.Errorf("expected default max_body_bytes 1048576, got %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Server.RequestTimeout() != 30*time.Second {
		t.Errorf("expected default request timeout 30s, got %v", cfg.Server.RequestTimeout())
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("expected default failure_threshold 5, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.RecoveryTimeout != 60*time.Second {
		t.Errorf("expected default recovery_timeout 60s, got %v", cfg.Breaker.RecoveryTimeout)
	}
	if cfg.Breaker.HalfOpenTrials != 1 {
		t.Errorf("expected default half_open_trials 1, got %d", cfg.Breaker.HalfOpenTrials)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected default max_attempts 3, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay != 100*time.Millisecond {
		t.Errorf("expected default base_delay 100ms, got %v", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.MaxDelay != 10*time.Second {
		t.Errorf("expected default max_delay 10s, got %v", cfg.Retry.MaxDelay)
	}
	if cfg.Retry.Multiplier != 2.0 {
		t.Errorf("expected default multiplier 2.0, got %f", cfg.Retry.Multiplier)
	}
	if cfg.Upstreams[0].Timeout() != 10*time.Second {
		t.Errorf("expected default upstream timeout 10s, got %v", cfg.Upstreams[0].Timeout())
	}
}

func TestLoadFromBytes_FullConfig(t *testing.T) {
	yaml := []byte(`
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 20s
  shutdown_timeout: 5s
  trusted_proxies: ["10.0.0.0/8"]
  max_body_bytes: 2097152
  request_timeout_ms: 15000
rate_limit:
  requests_per_second: 200
  burst_size: 100
auth:
  enabled: true
  jwt_secret: "test-secret"
  issuer: "test-issuer"
  audience: "test-audience"
  scopes: ["read"]
breaker:
  failure_threshold: 3
  recovery_timeout: 45s
  half_open_trials: 2
retry:
  max_attempts: 4
  base_delay: 50ms
  max_delay: 2s
  multiplier: 3.0
  jitter_fraction: 0.2
upstreams:
  - name: telematics
    base_url: "http://telematics:3000"
    timeout_ms: 5000
    headers:
      X-Brand: "TOYOTA"
    connection_pool:
      max_idle_conns: 64
      max_idle_per_host: 16
      idle_timeout: 90s
routes:
  - path_prefix: "/vehicles"
    upstream: telematics
    strip_prefix: true
    methods: ["GET"]
    auth_required: true
    schema: "vin"
    transform: "abrp"
    headers:
      X-Custom: "value"
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout() != 15*time.Second {
		t.Errorf("expected request timeout 15s, got %v", cfg.Server.RequestTimeout())
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("expected failure_threshold 3, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.RecoveryTimeout != 45*time.Second {
		t.Errorf("expected recovery_timeout 45s, got %v", cfg.Breaker.RecoveryTimeout)
	}
	if cfg.Breaker.HalfOpenTrials != 2 {
		t.Errorf("expected half_open_trials 2, got %d", cfg.Breaker.HalfOpenTrials)
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Errorf("expected max_attempts 4, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.JitterFraction != 0.2 {
		t.Errorf("expected jitter_fraction 0.2, got %f", cfg.Retry.JitterFraction)
	}

	if len(cfg.Upstreams) != 1 {
		t.Fatalf("expected 1 upstream, got %d", len(cfg.Upstreams))
	}
	u := cfg.Upstreams[0]
	if u.Name != "telematics" {
		t.Errorf("expected upstream name telematics, got %q", u.Name)
	}
	if u.Timeout() != 5*time.Second {
		t.Errorf("expected upstream timeout 5s, got %v", u.Timeout())
	}
	if u.Headers["X-Brand"] != "TOYOTA" {
		t.Errorf("expected header X-Brand=TOYOTA, got %q", u.Headers["X-Brand"])
	}
	if u.ConnectionPool == nil || u.ConnectionPool.MaxIdlePerHost != 16 {
		t.Errorf("expected connection pool max_idle_per_host 16, got %+v", u.ConnectionPool)
	}

	r := cfg.Routes[0]
	if r.Upstream != "telematics" {
		t.Errorf("expected route upstream telematics, got %q", r.Upstream)
	}
	if r.Schema != "vin" {
		t.Errorf("expected schema vin, got %q", r.Schema)
	}
	if r.Transform != "abrp" {
		t.Errorf("expected transform abrp, got %q", r.Transform)
	}
	if !r.StripPrefix {
		t.Error("expected strip_prefix true")
	}
	if !r.AuthRequired {
		t.Error("expected auth_required true")
	}
}

func TestLoadFromBytes_EnvVarSubstitution(t *testing.T) {
	os.Setenv("TEST_BRIDGE_SECRET", "from-env")
	defer os.Unsetenv("TEST_BRIDGE_SECRET")

	yaml := []byte(`
auth:
  enabled: true
  jwt_secret: "${TEST_BRIDGE_SECRET}"
  issuer: "iss"
  audience: "aud"
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("expected jwt_secret from env, got %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadFromBytes_UnresolvedEnvVarWarning(t *testing.T) {
	yaml := []byte(`
auth:
  enabled: true
  jwt_secret: "${DEFINITELY_NOT_SET_VAR_12345}"
  issuer: "iss"
  audience: "aud"
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "unresolved environment variable") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unresolved env var warning, got %v", cfg.Warnings)
	}
}

func TestLoadFromBytes_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "no upstreams",
			yaml: `
routes:
  - path_prefix: "/api"
    upstream: telematics
`,
			wantErr: "at least one upstream",
		},
		{
			name: "no routes",
			yaml: `
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
`,
			wantErr: "at least one route",
		},
		{
			name: "unknown upstream reference",
			yaml: `
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: nope
`,
			wantErr: "unknown upstream",
		},
		{
			name: "duplicate upstream name",
			yaml: `
upstreams:
  - name: telematics
    base_url: "http://a:3000"
  - name: telematics
    base_url: "http://b:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
`,
			wantErr: "duplicate upstream name",
		},
		{
			name: "bad upstream scheme",
			yaml: `
upstreams:
  - name: telematics
    base_url: "ftp://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
`,
			wantErr: "scheme must be http or https",
		},
		{
			name: "path prefix missing slash",
			yaml: `
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "api"
    upstream: telematics
`,
			wantErr: "must start with /",
		},
		{
			name: "duplicate path prefix",
			yaml: `
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
  - path_prefix: "/api"
    upstream: telematics
`,
			wantErr: "duplicate route path_prefix",
		},
		{
			name: "unknown schema",
			yaml: `
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
    schema: "licence-plate"
`,
			wantErr: "schema",
		},
		{
			name: "unknown transform",
			yaml: `
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
    transform: "csv"
`,
			wantErr: "transform",
		},
		{
			name: "auth enabled without secret",
			yaml: `
auth:
  enabled: true
  issuer: "iss"
  audience: "aud"
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
`,
			wantErr: "jwt_secret",
		},
		{
			name: "fractional multiplier rejected",
			yaml: `
retry:
  multiplier: 0.5
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
`,
			wantErr: "multiplier",
		},
		{
			name: "max_delay below base_delay",
			yaml: `
retry:
  base_delay: 5s
  max_delay: 1s
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
`,
			wantErr: "max_delay",
		},
		{
			name: "jitter out of range",
			yaml: `
retry:
  jitter_fraction: 1.5
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
`,
			wantErr: "jitter_fraction",
		},
		{
			name: "admin without allowlist",
			yaml: `
admin:
  enabled: true
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
`,
			wantErr: "ip_allowlist",
		},
		{
			name: "bad admin CIDR",
			yaml: `
admin:
  enabled: true
  ip_allowlist: ["not-a-cidr"]
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
`,
			wantErr: "invalid CIDR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/bridge.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Upstreams) != 1 || cfg.Upstreams[0].Name != "telematics" {
		t.Errorf("unexpected upstreams: %+v", cfg.Upstreams)
	}
}

func TestShortRecoveryTimeoutWarning(t *testing.T) {
	yaml := []byte(`
breaker:
  recovery_timeout: 100ms
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "recovery_timeout") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected short recovery_timeout warning, got %v", cfg.Warnings)
	}
}
