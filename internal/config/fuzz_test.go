package config

import "testing"

func FuzzLoadFromBytes(f *testing.F) {
	// Seed corpus: valid configs
	f.Add([]byte(`
upstreams:
  - name: telematics
    base_url: "http://localhost:3000"
routes:
  - path_prefix: "/api"
    upstream: telematics
`))
	f.Add([]byte(`
server:
  port: 9090
auth:
  enabled: true
  jwt_secret: "secret"
  issuer: "iss"
  audience: "aud"
breaker:
  failure_threshold: 3
  recovery_timeout: 30s
retry:
  max_attempts: 4
  base_delay: 50ms
upstreams:
  - name: telematics
    base_url: "https://telematics:3000"
    timeout_ms: 5000
routes:
  - path_prefix: "/api/v1"
    upstream: telematics
    strip_prefix: true
    methods: ["GET"]
    schema: "vin"
    transform: "abrp"
`))

	// Edge cases
	f.Add([]byte(``))
	f.Add([]byte(`upstreams: []`))
	f.Add([]byte(`routes: []`))
	f.Add([]byte(`server: { port: 0 }`))
	f.Add([]byte(`retry: { multiplier: 0.1 }`))
	f.Add([]byte(`breaker: { recovery_timeout: -1s }`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// LoadFromBytes must never panic regardless of input.
		cfg, err := LoadFromBytes(data)
		if err != nil {
			return
		}
		// If parsing succeeded, verify invariants that validation should enforce.
		if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
			t.Errorf("invalid port escaped validation: %d", cfg.Server.Port)
		}
		if cfg.RateLimit.RequestsPerSecond < 0 {
			t.Errorf("negative rps escaped validation: %f", cfg.RateLimit.RequestsPerSecond)
		}
		if cfg.Breaker.FailureThreshold == 0 {
			t.Error("zero failure_threshold escaped validation")
		}
		if cfg.Breaker.RecoveryTimeout <= 0 {
			t.Errorf("non-positive recovery_timeout escaped validation: %v", cfg.Breaker.RecoveryTimeout)
		}
		if cfg.Retry.Multiplier < 1 {
			t.Errorf("multiplier below 1 escaped validation: %f", cfg.Retry.Multiplier)
		}
		if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
			t.Errorf("max_delay %v below base_delay %v escaped validation", cfg.Retry.MaxDelay, cfg.Retry.BaseDelay)
		}
	})
}
