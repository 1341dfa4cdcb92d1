// Package introq is the asynchronous backbone of an introduction product.
// It provides a durable, at-least-once event dispatcher with dead-letter
// escalation, a scheduled-task queue with an explicit processing state
// machine, and the introduction lifecycle handlers that both of them drive.
//
// Introq is designed as a library, not a service. Import it, configure a
// store, register event and task handlers, and start the runtime.
//
// # Quick Start
//
//	rt, err := introq.New(
//	    introq.WithStore(pgStore),
//	    introq.WithEventPollInterval(10*time.Second),
//	)
//
// # Architecture
//
// Introq follows a composable store pattern where each subsystem (event,
// task, dlq, lifecycle, credit, priority, audit) defines its own store
// interface. A single backend implements all of them.
//
// Delivery is at-least-once: handlers must be idempotent. Both dispatchers
// claim work atomically so that a pending item has exactly one owner while
// it is being processed, even with concurrent runtime replicas.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package introq
