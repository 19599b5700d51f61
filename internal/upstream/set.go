package upstream

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/evbridge/telebridge/internal/config"
)

// Set holds one client per configured upstream, keyed by name.
type Set struct {
	clients map[string]*Client
}

// NewSet builds clients for every configured upstream.
func NewSet(cfgs []config.UpstreamConfig, logger *slog.Logger) (*Set, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		c, err := NewClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		clients[cfg.Name] = c
	}
	return &Set{clients: clients}, nil
}

// Get returns the client for the named upstream. Config validation
// guarantees every route references a known upstream, so a miss here is
// a programming error.
func (s *Set) Get(name string) (*Client, error) {
	c, ok := s.clients[name]
	if !ok {
		return nil, fmt.Errorf("no client for upstream %q", name)
	}
	return c, nil
}

// Names returns the configured upstream names, sorted for stable logging.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
