package breaker

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry lazily creates one Breaker per name with shared settings.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	logger   *slog.Logger
	breakers map[string]*Breaker
}

// NewRegistry constructs an empty Registry.
func NewRegistry(settings Settings, logger *slog.Logger) *Registry {
	return &Registry{settings: settings, logger: logger, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.settings, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshot describes one breaker for diagnostics.
type Snapshot struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Failures int    `json:"failures"`
}

// Snapshots lists every created breaker sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for name, b := range r.breakers {
		out = append(out, Snapshot{Name: name, State: b.State(), Failures: b.Failures()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
