package circuitbreaker

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry maps upstream identifiers to their breaker instances. Entries are
// created lazily on first use and live for the process lifetime; nothing is
// ever removed, so callers may hold *Breaker pointers indefinitely.
// Different upstreams never contend on the same lock — the registry mutex
// covers only map access, each breaker synchronizes itself.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	logger   *slog.Logger
}

// NewRegistry creates an empty registry applying cfg to every breaker it
// creates.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Get returns the breaker for the given upstream, creating it on first use.
func (r *Registry) Get(upstream string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[upstream]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[upstream]; ok {
		return b
	}
	b = New(upstream, r.cfg, r.logger)
	r.breakers[upstream] = b
	r.logger.Debug("circuit breaker created", "upstream", upstream)
	return b
}

// Snapshot returns the state of every known breaker, sorted by upstream id.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Upstream < out[j].Upstream })
	return out
}
