// Package worker provides the two dispatch loops at the core of the
// backbone: the EventDispatcher draining the durable event log through
// registered handlers with retry and dead-letter semantics, and the
// TaskDispatcher running due scheduled tasks through the middleware chain
// with backoff and audit logging.
//
// Each dispatcher runs a single poll goroutine and processes its batch
// strictly sequentially, so handler outcomes within a batch are isolated
// without any cross-item locking. Multi-replica safety comes from the
// store's atomic claim operations, not from coordination between loops.
package worker
