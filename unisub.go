package unisub

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultChannel is the notification channel the schema's insert trigger
// notifies on. Override with WithChannel only if the trigger was installed
// under a different name.
const DefaultChannel = "new_message"

// PubSub is a topic-based publish/subscribe engine backed by a Postgres
// store. Messages are durable rows; subscriptions drain the backlog of
// undelivered messages and then follow the store's notification channel
// for new ones. A single PubSub may serve any number of publishers and
// subscribers concurrently.
type PubSub struct {
	db        DB
	listeners ListenerFactory

	logger       zerolog.Logger
	channel      string
	readTimeout  time.Duration
	claimTimeout time.Duration
	minReconnect time.Duration
	maxReconnect time.Duration

	// ownedDB is set only by Open; Close releases it.
	ownedDB *sql.DB

	closed int32
	ctx    context.Context
	cancel context.CancelFunc
}

// Option is a function that configures a PubSub instance.
type Option func(*PubSub)

// WithLogger sets the logger used by the engine and its subscriptions.
// Default is a no-op logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *PubSub) {
		p.logger = logger
	}
}

// WithChannel sets the notification channel subscriptions listen on.
// Default is DefaultChannel. Must not be empty.
func WithChannel(name string) Option {
	return func(p *PubSub) {
		if name != "" {
			p.channel = name
		}
	}
}

// WithReadTimeout sets the timeout for each backlog scan.
// Default is 5 seconds. Must be positive.
func WithReadTimeout(timeout time.Duration) Option {
	return func(p *PubSub) {
		if timeout > 0 {
			p.readTimeout = timeout
		}
	}
}

// WithClaimTimeout sets the timeout for each statement of a claim
// transaction. The handler itself is not subject to it.
// Default is 5 seconds. Must be positive.
func WithClaimTimeout(timeout time.Duration) Option {
	return func(p *PubSub) {
		if timeout > 0 {
			p.claimTimeout = timeout
		}
	}
}

// WithReconnectInterval sets the backoff bounds for re-establishing the
// notification connection after it drops. Only engines built by Open use
// these; New callers configure their own listeners.
// Defaults are 10 seconds and 1 minute. Must be positive.
func WithReconnectInterval(min, max time.Duration) Option {
	return func(p *PubSub) {
		if min > 0 {
			p.minReconnect = min
		}
		if max > 0 {
			p.maxReconnect = max
		}
	}
}

// New creates an engine from an existing *sql.DB and a listener factory.
// The caller keeps ownership of the database; Close will not touch it.
func New(db *sql.DB, listeners ListenerFactory, opts ...Option) *PubSub {
	return NewWithDB(&dbAdapter{db: db}, listeners, opts...)
}

// NewWithDB creates an engine with a custom DB implementation.
// This is useful for users who want to provide their own database
// abstraction or for testing.
func NewWithDB(db DB, listeners ListenerFactory, opts ...Option) *PubSub {
	ctx, cancel := context.WithCancel(context.Background())

	p := &PubSub{
		db:           db,
		listeners:    listeners,
		logger:       zerolog.Nop(),
		channel:      DefaultChannel,
		readTimeout:  5 * time.Second,
		claimTimeout: 5 * time.Second,
		minReconnect: 10 * time.Second,
		maxReconnect: time.Minute,
		ctx:          ctx,
		cancel:       cancel,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Open connects to the Postgres store at dsn and returns an engine wired
// to it, notifications included. The engine owns the resulting connection
// pool; call Close to release it.
func Open(ctx context.Context, dsn string, opts ...Option) (*PubSub, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}

	p := New(db, nil, opts...)
	p.ownedDB = db
	p.listeners = func(context.Context) (Listener, error) {
		return newPQListener(dsn, p.minReconnect, p.maxReconnect, p.logger), nil
	}
	return p, nil
}

// Shutdown requests cooperative cancellation of every subscription created
// from this engine. It returns immediately; a subscription that is mid
// callback finishes that message before observing the signal and then
// returns nil from Subscribe. Calling Shutdown multiple times is safe and
// only the first call has an effect.
func (p *PubSub) Shutdown() {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return
	}
	p.cancel() // signal stop
}

// Done returns a channel that is closed once the engine has been shut
// down. Any number of goroutines may wait on it.
func (p *PubSub) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Close shuts the engine down and, when the engine was built by Open,
// closes the underlying connection pool. Engines built by New or NewWithDB
// never close the caller's database. Close does not wait for in-flight
// subscriptions; let Subscribe return before calling it.
func (p *PubSub) Close() error {
	p.Shutdown()
	if p.ownedDB != nil {
		return p.ownedDB.Close()
	}
	return nil
}
