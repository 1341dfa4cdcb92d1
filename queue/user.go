package queue

import (
	"fmt"

	"golang.org/x/time/rate"
)

// UserConfig defines rate limits and concurrency for a specific user on a
// specific agent kind, identified by the task's UserID. Per-user caps keep
// one busy user from monopolising an agent kind.
type UserConfig struct {
	// Kind is the agent kind this config applies to.
	Kind string

	// UserID is the user identifier (typically task.UserID.String()).
	UserID string

	// RateLimit is the sustained tasks per second for this user.
	RateLimit float64

	// RateBurst is the burst size for the user's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous tasks for this user on this
	// kind. Zero means no user-specific concurrency limit.
	MaxConcurrency int
}

// userState tracks runtime state for a single kind+user pair.
type userState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

// userKey builds the map key for a kind+user pair.
func userKey(kind, userID string) string {
	return fmt.Sprintf("%s:%s", kind, userID)
}

// SetUserConfig configures rate limits and concurrency for a specific user
// on a specific agent kind. Calling this multiple times for the same
// kind+user replaces the previous configuration.
func (m *Manager) SetUserConfig(cfg UserConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userKey(cfg.Kind, cfg.UserID)
	existing := m.users[key]

	us := &userState{
		maxConcurrency: cfg.MaxConcurrency,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		us.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	// Preserve current active count if reconfiguring.
	if existing != nil {
		us.active = existing.active
	}
	m.users[key] = us
}

// UserActiveCount returns the current number of active tasks for a
// kind+user pair.
func (m *Manager) UserActiveCount(kind, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if us := m.users[userKey(kind, userID)]; us != nil {
		return us.active
	}
	return 0
}
