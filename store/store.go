// Package store defines the aggregate persistence interface. Each subsystem
// (event, task, dlq, audit, credit, priority, lifecycle) defines its own
// store interface. The composite Store composes them all. Backends:
// Postgres, SQLite, and Memory, plus a Redis projection for priority.
package store

import (
	"context"

	"github.com/loopmark/introq/audit"
	"github.com/loopmark/introq/credit"
	"github.com/loopmark/introq/dlq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/lifecycle"
	"github.com/loopmark/introq/priority"
	"github.com/loopmark/introq/task"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (postgres, sqlite, memory) implements all of them.
type Store interface {
	event.Store
	task.Store
	dlq.Store
	audit.Store
	credit.Store
	priority.Store
	lifecycle.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
