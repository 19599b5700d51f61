// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/evbridge/telebridge/internal/circuitbreaker"
	"github.com/evbridge/telebridge/internal/config"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Handler provides /health and /ready endpoints.
type Handler struct {
	upstreams []config.UpstreamConfig
	breakers  *circuitbreaker.Registry
	logger    *slog.Logger

	// Cached readiness result to avoid TCP-dialling every upstream on
	// every /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health check Handler. Breaker state is the fast path for
// readiness; closed breakers fall back to a TCP dial.
func New(upstreams []config.UpstreamConfig, breakers *circuitbreaker.Registry, logger *slog.Logger) *Handler {
	return &Handler{upstreams: upstreams, breakers: breakers, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	type upstreamResult struct {
		name   string
		status string
		ok     bool
	}

	ch := make(chan upstreamResult, len(h.upstreams))
	for _, u := range h.upstreams {
		go func(u config.UpstreamConfig) {
			// Fast path: breaker state already tells us about a failing
			// upstream without touching the network.
			if h.breakers != nil {
				switch h.breakers.Get(u.Name).State() {
				case circuitbreaker.StateOpen:
					ch <- upstreamResult{name: u.Name, status: "circuit-open", ok: false}
					return
				case circuitbreaker.StateHalfOpen:
					ch <- upstreamResult{name: u.Name, status: "circuit-half-open", ok: true}
					return
				}
				// Closed breakers fall through to a TCP dial.
			}

			parsed, err := url.Parse(u.BaseURL)
			if err != nil {
				ch <- upstreamResult{name: u.Name, status: "invalid URL", ok: false}
				return
			}

			host := parsed.Host
			if !hasPort(host) {
				switch parsed.Scheme {
				case "https":
					host += ":443"
				default:
					host += ":80"
				}
			}

			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", host)
			cancel()

			if err != nil {
				h.logger.Warn("upstream unreachable", "upstream", u.Name, "error", err)
				ch <- upstreamResult{name: u.Name, status: "unreachable", ok: false}
				return
			}
			conn.Close()
			ch <- upstreamResult{name: u.Name, status: "ok", ok: true}
		}(u)
	}

	results := make(map[string]string, len(h.upstreams))
	anyDown := false
	for range h.upstreams {
		res := <-ch
		results[res.name] = res.status
		if !res.ok {
			anyDown = true
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if anyDown {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":    statusStr,
		"upstreams": results,
	})
	body = append(body, '\n')

	// Cache the result.
	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
