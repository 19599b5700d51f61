// Package admin provides read-only admin API endpoints for runtime inspection
// of bridge state. All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/evbridge/telebridge/internal/circuitbreaker"
	"github.com/evbridge/telebridge/internal/config"
	"github.com/evbridge/telebridge/internal/ratelimit"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	limiter     *ratelimit.Limiter
	breakers    *circuitbreaker.Registry
	upstreams   []config.UpstreamConfig
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(
	reloader ConfigProvider,
	limiter *ratelimit.Limiter,
	breakers *circuitbreaker.Registry,
	upstreams []config.UpstreamConfig,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		limiter:     limiter,
		breakers:    breakers,
		upstreams:   upstreams,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/upstreams", h.guard(h.upstreamsHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
	mux.HandleFunc("/admin/limiters", h.guard(h.limitersHandler))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// upstreamStatus is the response type for /admin/upstreams.
type upstreamStatus struct {
	Name                string `json:"name"`
	BaseURL             string `json:"base_url"`
	TimeoutMs           int    `json:"timeout_ms"`
	BreakerState        string `json:"breaker_state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	FailureThreshold    uint32 `json:"failure_threshold"`
	RecoveryTimeout     string `json:"recovery_timeout"`
}

func (h *Handler) upstreamsHandler(w http.ResponseWriter, r *http.Request) {
	snapshots := h.breakers.Snapshot()
	byName := make(map[string]circuitbreaker.Snapshot, len(snapshots))
	for _, s := range snapshots {
		byName[s.Upstream] = s
	}

	statuses := make([]upstreamStatus, len(h.upstreams))
	for i, u := range h.upstreams {
		status := upstreamStatus{
			Name:         u.Name,
			BaseURL:      u.BaseURL,
			TimeoutMs:    int(u.Timeout().Milliseconds()),
			BreakerState: "closed", // breaker not yet created means no traffic seen
		}
		if s, ok := byName[u.Name]; ok {
			status.BreakerState = s.State
			status.ConsecutiveFailures = s.ConsecutiveFailures
			status.FailureThreshold = s.FailureThreshold
			status.RecoveryTimeout = s.RecoveryTimeout
		}
		statuses[i] = status
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"upstreams": statuses})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Deep copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.Snapshot()

	// Pagination: page/page_size from query params.
	pageSize := 100
	page := 0

	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if v := parseInt(ps); v > 0 && v <= 1000 {
			pageSize = v
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if v := parseInt(p); v >= 0 {
			page = v
		}
	}

	total := len(entries)
	start := page * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

func parseInt(s string) int {
	s = strings.TrimSpace(s)
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
