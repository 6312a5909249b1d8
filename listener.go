package unisub

import (
	"context"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Notification is an asynchronous signal from the store that a new message
// may be available. Payload carries the message id as a decimal string.
// Notifications are a liveness hint only; the messages table remains the
// source of truth.
type Notification struct {
	Channel string
	Payload string
}

// Listener is the store's notification primitive: a named channel
// delivering string payloads to whoever listens on it.
//
// A nil element received from Notifications reports a connection
// interruption. Notifications may have been lost in the gap, so the
// subscription re-scans the durable backlog before waiting again.
type Listener interface {
	// Listen starts listening on the given channel. It returns only after
	// the server has acknowledged the listen, so a notification sent after
	// Listen returns is never silently missed.
	Listen(ctx context.Context, channel string) error

	// Notifications returns the stream of incoming notifications. The
	// channel is closed when the listener is closed.
	Notifications() <-chan *Notification

	// Close tears down the listener connection.
	Close() error
}

// ListenerFactory opens a new Listener. Each subscription opens its own
// listener so concurrent subscriptions do not steal notifications from
// each other.
type ListenerFactory func(ctx context.Context) (Listener, error)

// pqListener adapts lib/pq's LISTEN/NOTIFY client to the Listener
// interface. lib/pq reconnects on its own with exponential backoff and
// reports each reconnect as a nil notification, which is passed through
// unchanged.
type pqListener struct {
	pl   *pq.Listener
	ch   chan *Notification
	done chan struct{}
	once sync.Once
}

func newPQListener(dsn string, minReconnect, maxReconnect time.Duration, logger zerolog.Logger) *pqListener {
	pl := pq.NewListener(dsn, minReconnect, maxReconnect, func(event pq.ListenerEventType, err error) {
		switch event {
		case pq.ListenerEventDisconnected:
			logger.Warn().Err(err).Msg("listener disconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn().Err(err).Msg("listener reconnect attempt failed")
		case pq.ListenerEventReconnected:
			logger.Info().Msg("listener reconnected")
		}
	})

	l := &pqListener{
		pl:   pl,
		ch:   make(chan *Notification, 32),
		done: make(chan struct{}),
	}
	go l.pump()
	return l
}

// pump translates pq notifications until the underlying listener is
// closed. The send blocks when the subscription is busy processing, which
// pushes backpressure into lib/pq's own buffer instead of growing one
// here; the done channel keeps the flush after Close from blocking once
// the subscription has stopped reading.
func (l *pqListener) pump() {
	defer close(l.ch)
	for n := range l.pl.Notify {
		var out *Notification
		if n != nil {
			out = &Notification{Channel: n.Channel, Payload: n.Extra}
		}
		select {
		case l.ch <- out:
		case <-l.done:
			return
		}
	}
}

func (l *pqListener) Listen(ctx context.Context, channel string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.pl.Listen(channel)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *pqListener) Notifications() <-chan *Notification {
	return l.ch
}

func (l *pqListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return l.pl.Close()
}
