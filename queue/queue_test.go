package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Manager basics
// ---------------------------------------------------------------------------

func TestNewManager_Empty(t *testing.T) {
	m := NewManager()
	// No configs; Acquire/Release should always succeed.
	if !m.Acquire("any-kind", "") {
		t.Fatal("expected Acquire to succeed for unconfigured kind")
	}
	m.Release("any-kind", "")
}

func TestNewManager_WithConfig(t *testing.T) {
	m := NewManager(Config{
		Kind:           "outreach",
		MaxConcurrency: 2,
	})
	if m.ActiveCount("outreach") != 0 {
		t.Fatal("expected 0 active tasks initially")
	}
}

// ---------------------------------------------------------------------------
// Concurrency limits
// ---------------------------------------------------------------------------

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{
		Kind:           "outreach",
		MaxConcurrency: 2,
	})

	if !m.Acquire("outreach", "") {
		t.Fatal("first Acquire should succeed")
	}
	if !m.Acquire("outreach", "") {
		t.Fatal("second Acquire should succeed")
	}
	// Third should be blocked.
	if m.Acquire("outreach", "") {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	// Release one slot.
	m.Release("outreach", "")
	if !m.Acquire("outreach", "") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_AcquireRelease_ActiveCount(t *testing.T) {
	m := NewManager(Config{
		Kind:           "k",
		MaxConcurrency: 5,
	})

	for i := range 3 {
		if !m.Acquire("k", "") {
			t.Fatalf("Acquire %d should succeed", i)
		}
	}
	if m.ActiveCount("k") != 3 {
		t.Fatalf("expected 3 active, got %d", m.ActiveCount("k"))
	}

	m.Release("k", "")
	m.Release("k", "")
	if m.ActiveCount("k") != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount("k"))
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := NewManager(Config{
		Kind:      "limited",
		RateLimit: 1.0, // 1 per second
		RateBurst: 1,
	})

	// First should succeed (burst allows it).
	if !m.Acquire("limited", "") {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release("limited", "")

	// Immediately after, token bucket is empty.
	if m.Acquire("limited", "") {
		t.Fatal("second Acquire should fail (rate limited)")
	}

	// Wait for token refill.
	time.Sleep(1100 * time.Millisecond)
	if !m.Acquire("limited", "") {
		t.Fatal("Acquire should succeed after token refill")
	}
	m.Release("limited", "")
}

func TestManager_RateLimit_BurstAllows(t *testing.T) {
	m := NewManager(Config{
		Kind:      "bursty",
		RateLimit: 10.0,
		RateBurst: 3,
	})

	// Three immediate acquires should succeed (burst = 3).
	for i := range 3 {
		if !m.Acquire("bursty", "") {
			t.Fatalf("Acquire %d should succeed (within burst)", i)
		}
		m.Release("bursty", "")
	}
}

// ---------------------------------------------------------------------------
// Per-user isolation
// ---------------------------------------------------------------------------

func TestManager_UserRateLimit(t *testing.T) {
	m := NewManager(Config{
		Kind:           "shared",
		MaxConcurrency: 100, // high kind limit
	})

	m.SetUserConfig(UserConfig{
		Kind:           "shared",
		UserID:         "user_a",
		MaxConcurrency: 1,
	})

	// User A: first task succeeds.
	if !m.Acquire("shared", "user_a") {
		t.Fatal("user_a first Acquire should succeed")
	}
	// User A: second task blocked.
	if m.Acquire("shared", "user_a") {
		t.Fatal("user_a second Acquire should fail (user max 1)")
	}

	// User B (no config): should still succeed.
	if !m.Acquire("shared", "user_b") {
		t.Fatal("user_b Acquire should succeed (no user limit)")
	}

	m.Release("shared", "user_a")
	m.Release("shared", "user_b")
}

func TestManager_UserIsolation(t *testing.T) {
	m := NewManager(Config{
		Kind:           "work",
		MaxConcurrency: 100,
	})

	m.SetUserConfig(UserConfig{
		Kind:           "work",
		UserID:         "user_a",
		MaxConcurrency: 2,
	})
	m.SetUserConfig(UserConfig{
		Kind:           "work",
		UserID:         "user_b",
		MaxConcurrency: 2,
	})

	// Fill user A's slots.
	m.Acquire("work", "user_a")
	m.Acquire("work", "user_a")

	// User A is maxed.
	if m.Acquire("work", "user_a") {
		t.Fatal("user_a should be blocked at max concurrency")
	}

	// User B is unaffected.
	if !m.Acquire("work", "user_b") {
		t.Fatal("user_b should not be affected by user_a's limits")
	}

	m.Release("work", "user_a")
	m.Release("work", "user_a")
	m.Release("work", "user_b")
}

func TestManager_UserActiveCount(t *testing.T) {
	m := NewManager(Config{Kind: "k", MaxConcurrency: 10})
	m.SetUserConfig(UserConfig{
		Kind:           "k",
		UserID:         "u1",
		MaxConcurrency: 5,
	})

	m.Acquire("k", "u1")
	m.Acquire("k", "u1")

	if got := m.UserActiveCount("k", "u1"); got != 2 {
		t.Fatalf("expected user active 2, got %d", got)
	}

	m.Release("k", "u1")
	if got := m.UserActiveCount("k", "u1"); got != 1 {
		t.Fatalf("expected user active 1, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Dynamic reconfiguration
// ---------------------------------------------------------------------------

func TestManager_SetKindConfig(t *testing.T) {
	m := NewManager(Config{
		Kind:           "dyn",
		MaxConcurrency: 1,
	})

	m.Acquire("dyn", "")
	if m.Acquire("dyn", "") {
		t.Fatal("should be blocked at concurrency 1")
	}

	// Raise the limit dynamically.
	m.SetKindConfig(Config{
		Kind:           "dyn",
		MaxConcurrency: 3,
	})

	// Now should succeed.
	if !m.Acquire("dyn", "") {
		t.Fatal("should succeed after raising concurrency")
	}
	m.Release("dyn", "")
	m.Release("dyn", "")
}

// ---------------------------------------------------------------------------
// Concurrency safety
// ---------------------------------------------------------------------------

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(Config{
		Kind:           "concurrent",
		MaxConcurrency: 50,
	})

	var acquired atomic.Int64
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire("concurrent", "") {
				acquired.Add(1)
				// Simulate work.
				time.Sleep(time.Millisecond)
				m.Release("concurrent", "")
			}
		}()
	}

	wg.Wait()

	// At least some should have succeeded.
	if acquired.Load() == 0 {
		t.Fatal("expected some Acquires to succeed")
	}

	// Active should be back to 0.
	if m.ActiveCount("concurrent") != 0 {
		t.Fatalf("expected 0 active after all goroutines, got %d", m.ActiveCount("concurrent"))
	}
}

func TestManager_UnconfiguredKind_AlwaysSucceeds(t *testing.T) {
	m := NewManager(Config{
		Kind:           "configured",
		MaxConcurrency: 1,
	})

	// "other" kind has no config, so no limits apply.
	for range 10 {
		if !m.Acquire("other", "") {
			t.Fatal("unconfigured kind should always allow Acquire")
		}
	}
	for range 10 {
		m.Release("other", "")
	}
}

func TestManager_ReleaseUnderflow(t *testing.T) {
	m := NewManager(Config{
		Kind:           "k",
		MaxConcurrency: 5,
	})

	// Release without Acquire should not go negative.
	m.Release("k", "")
	if m.ActiveCount("k") != 0 {
		t.Fatal("active count should not go below 0")
	}
}
