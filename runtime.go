package introq

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Option configures a Runtime.
type Option func(*Runtime) error

// Storer is the minimal store interface held by the Runtime.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// loopRunner is an internal interface for dispatcher loop lifecycle.
type loopRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Runtime is the central coordinator for the event dispatcher, the task
// dispatcher, and the maintenance sweeper.
//
// Create one with New() and functional options. The Runtime holds
// references to subsystem components via internal interfaces to avoid
// import cycles. Use engine.Build to wire everything together.
type Runtime struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	loops      []loopRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Runtime with the given options.
func New(opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(rt); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

// Store returns the runtime's store.
func (rt *Runtime) Store() Storer { return rt.store }

// Config returns a copy of the runtime's configuration.
func (rt *Runtime) Config() Config { return rt.config }

// AddLoop registers a dispatcher loop (called by the engine package).
func (rt *Runtime) AddLoop(l loopRunner) { rt.loops = append(rt.loops, l) }

// SetExtensions sets the extension emitter (called by the engine package).
func (rt *Runtime) SetExtensions(e extensionEmitter) { rt.extensions = e }

// Start begins event and task processing.
func (rt *Runtime) Start(ctx context.Context) error {
	if len(rt.loops) == 0 {
		return ErrNoStore
	}
	for _, l := range rt.loops {
		if err := l.Start(ctx); err != nil {
			return err
		}
	}
	rt.started = true
	return nil
}

// Stop gracefully shuts down the runtime.
func (rt *Runtime) Stop(ctx context.Context) error {
	if rt.started {
		var g errgroup.Group
		for _, l := range rt.loops {
			g.Go(func() error { return l.Stop(ctx) })
		}
		if err := g.Wait(); err != nil {
			rt.logger.Error("loop stop error", "error", err)
		}
	}
	if rt.extensions != nil {
		rt.extensions.EmitShutdown(ctx)
	}
	if rt.store != nil {
		return rt.store.Close()
	}
	return nil
}

// WithStore sets the persistence backend for the runtime.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(rt *Runtime) error {
		rt.store = s
		return nil
	}
}

// WithLogger sets the structured logger for the runtime.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) error {
		rt.logger = l
		return nil
	}
}

// WithEventBatchSize sets the maximum events claimed per poll cycle.
func WithEventBatchSize(n int) Option {
	return func(rt *Runtime) error {
		rt.config.EventBatchSize = n
		return nil
	}
}

// WithTaskBatchSize sets the maximum due tasks claimed per poll cycle.
func WithTaskBatchSize(n int) Option {
	return func(rt *Runtime) error {
		rt.config.TaskBatchSize = n
		return nil
	}
}

// WithEventPollInterval sets the event dispatcher poll interval.
func WithEventPollInterval(d time.Duration) Option {
	return func(rt *Runtime) error {
		rt.config.EventPollInterval = d
		return nil
	}
}

// WithTaskPollInterval sets the task dispatcher poll interval.
func WithTaskPollInterval(d time.Duration) Option {
	return func(rt *Runtime) error {
		rt.config.TaskPollInterval = d
		return nil
	}
}

// WithMaxEventRetries sets the retry budget for event handlers.
func WithMaxEventRetries(n int) Option {
	return func(rt *Runtime) error {
		rt.config.MaxEventRetries = n
		return nil
	}
}

// WithTaskBackoff sets the initial delay and cap for task retry backoff.
// A zero cap means uncapped.
func WithTaskBackoff(initial, maxDelay time.Duration) Option {
	return func(rt *Runtime) error {
		rt.config.TaskBackoffInitial = initial
		rt.config.TaskBackoffMax = maxDelay
		return nil
	}
}

// WithClaimLease sets how long an event claim is held.
func WithClaimLease(d time.Duration) Option {
	return func(rt *Runtime) error {
		rt.config.ClaimLease = d
		return nil
	}
}

// WithStaleTaskThreshold sets the visibility timeout for processing tasks.
func WithStaleTaskThreshold(d time.Duration) Option {
	return func(rt *Runtime) error {
		rt.config.StaleTaskThreshold = d
		return nil
	}
}
