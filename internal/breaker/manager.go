package breaker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/relaycore/relay/internal/clock"
)

// Manager hands out one breaker per target name, creating them lazily
// with a shared default config.
type Manager struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager creates a Manager whose breakers share cfg.
func NewManager(cfg Config, clk clock.Clock, log *slog.Logger) *Manager {
	cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		clk:      clk,
		log:      log,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	if !ok {
		b = New(name, m.cfg, m.clk, m.log)
		m.breakers[name] = b
	}
	return b
}

// Lookup returns the breaker for name if one exists.
func (m *Manager) Lookup(name string) (*Breaker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	return b, ok
}

// Remove drops the breaker for name, if any.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
}

// Statuses returns a snapshot of every breaker, sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	all := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		all = append(all, b)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(all))
	for _, b := range all {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
