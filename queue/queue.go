package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-agent-kind behaviour such as rate limiting and
// concurrency.
type Config struct {
	// Kind is the agent kind identifier (must match the task.AgentKind
	// field).
	Kind string

	// MaxConcurrency limits how many tasks of this kind may run
	// simultaneously in the local dispatcher. Zero means no kind-specific
	// limit (batch size still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained tasks per second that may be
	// dispatched for this kind. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// kindState tracks runtime state for a single agent kind.
type kindState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-kind and per-user rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	kinds map[string]*kindState
	users map[string]*userState
}

// NewManager creates a Manager with the given kind configurations.
// Kinds not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		kinds: make(map[string]*kindState, len(configs)),
		users: make(map[string]*userState),
	}
	for _, cfg := range configs {
		m.kinds[cfg.Kind] = newKindState(cfg)
	}
	return m
}

func newKindState(cfg Config) *kindState {
	ks := &kindState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ks.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ks
}

// Acquire checks rate limits and concurrency for the given kind and user.
// If the task is allowed to proceed it increments the active counter and
// returns true. The caller MUST call Release when the task completes.
func (m *Manager) Acquire(kind, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check kind-level constraints.
	ks := m.kinds[kind]
	if ks != nil {
		if ks.limiter != nil && !ks.limiter.Allow() {
			return false
		}
		if ks.config.MaxConcurrency > 0 && ks.active >= ks.config.MaxConcurrency {
			return false
		}
	}

	// Check user-level constraints.
	if userID != "" {
		us := m.users[userKey(kind, userID)]
		if us != nil {
			if us.limiter != nil && !us.limiter.Allow() {
				return false
			}
			if us.maxConcurrency > 0 && us.active >= us.maxConcurrency {
				return false
			}
			us.active++
		}
	}

	// Increment kind active count.
	if ks != nil {
		ks.active++
	}

	return true
}

// Release decrements the active task count for the kind and user.
func (m *Manager) Release(kind, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ks := m.kinds[kind]; ks != nil && ks.active > 0 {
		ks.active--
	}

	if userID != "" {
		if us := m.users[userKey(kind, userID)]; us != nil && us.active > 0 {
			us.active--
		}
	}
}

// SetKindConfig dynamically updates (or creates) a kind configuration.
func (m *Manager) SetKindConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.kinds[cfg.Kind]
	ks := newKindState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ks.active = existing.active
	}
	m.kinds[cfg.Kind] = ks
}

// ActiveCount returns the current number of active tasks for a kind.
func (m *Manager) ActiveCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ks := m.kinds[kind]; ks != nil {
		return ks.active
	}
	return 0
}
