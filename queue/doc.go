// Package queue enforces per-agent-kind and per-user dispatch limits.
//
// Tasks carry an AgentKind that groups them by the agent family doing the
// work (e.g. "concierge", "outreach"). The task dispatcher consults the
// Manager before running each claimed task; tasks that do not pass are
// returned to pending for a later batch rather than dropped.
//
// # Per-Kind Configuration
//
// Use [Config] to set per-kind rate limits and concurrency caps:
//
//	queue.Config{
//	    Kind:           "outreach",
//	    MaxConcurrency: 5,      // max 5 concurrent outreach tasks
//	    RateLimit:      10,     // max 10 tasks/s dispatched for this kind
//	    RateBurst:      20,     // allow bursts up to 20
//	}
//
// Pass configs when building the engine:
//
//	engine.Build(rt,
//	    engine.WithQueueConfig(
//	        queue.Config{Kind: "concierge", MaxConcurrency: 20},
//	        queue.Config{Kind: "outreach", RateLimit: 5, RateBurst: 10},
//	    ),
//	)
//
// # Manager
//
// [Manager] enforces per-kind and per-user limits at dispatch time.
// It uses a token-bucket rate limiter (golang.org/x/time/rate) and an
// active-count gate for concurrency limits.
//
//	m := queue.NewManager(configs...)
//	if m.Acquire(kind, userID) {
//	    defer m.Release(kind, userID)
//	    // run the task
//	}
//
// Kinds without a [Config] have no limits beyond the dispatcher batch size.
package queue
