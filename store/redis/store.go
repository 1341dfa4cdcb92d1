// Package redis implements priority.Store as a Redis projection. Each
// user's queue is a Sorted Set scored by the entry's priority score, so
// NextForUser is a single ZREVRANGE. Entries themselves are stored as JSON
// blobs; a global expiry Sorted Set scored by expiration time drives
// ExpireBefore.
//
// The projection is a cache-layer alternative to the SQL backends for the
// read-heavy "what should this user see next" path. It is not a composite
// store: events, tasks, and workflows stay in Postgres or SQLite.
//
// The caller owns the Redis client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loopmark/introq/priority"
)

// Compile-time interface check.
var _ priority.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements priority.Store backed by Redis.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed priority store. The caller owns the Redis
// client lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
