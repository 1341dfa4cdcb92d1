// Package middleware provides composable middleware for dispatcher handler
// invocations. The same chain wraps both event and task handlers; an
// Invocation describes whichever unit is being dispatched.
package middleware

import (
	"context"
	"time"

	"github.com/loopmark/introq/id"
)

// Invocation describes one handler dispatch, event or task.
type Invocation struct {
	// Kind is "event" or "task".
	Kind string

	// ID is the event or task ID.
	ID id.ID

	// Name routes to the handler, e.g. "opportunity.created" or
	// "offer.confirm.reminder".
	Name string

	// Attempt is the 1-based attempt number.
	Attempt int

	// UserID is the acting user, when the unit carries one.
	UserID id.UserID

	// AgentKind is set for task invocations.
	AgentKind string

	// Timeout bounds the handler call when non-zero.
	Timeout time.Duration
}

// Handler is the terminal function that executes the invocation's logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the invocation being dispatched, and the next handler to
// call. Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, inv *Invocation, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, inv, prev)
			}
		}
		return h(ctx)
	}
}
