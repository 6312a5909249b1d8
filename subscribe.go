package unisub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler consumes a single message payload. It is called synchronously
// from the subscription loop, one message at a time, and may see the same
// payload again after a crash or a failed earlier attempt; handlers must
// tolerate redelivery.
//
// Returning nil marks the message processed. Returning an error leaves the
// message unprocessed for a later attempt; the subscription itself keeps
// running.
//
// The context passed to the handler is detached from cancellation: a
// message already accepted for processing runs to completion even while
// the engine shuts down.
type Handler func(ctx context.Context, payload []byte) error

const (
	// backlogQuery lists a topic's undelivered messages in publication
	// order. Ties on published_at break on id, which is assigned in
	// insert order.
	backlogQuery = `
		SELECT m.id
		FROM messages m
		JOIN topics t ON t.id = m.topic_id
		WHERE t.name = $1 AND m.status = 'new'
		ORDER BY m.published_at ASC, m.id ASC`

	// claimQuery locks a single candidate row without waiting. SKIP LOCKED
	// makes a racing claimant fall through instead of queueing on the row,
	// and FOR UPDATE OF m leaves the joined topics row unlocked so claims
	// on different messages of one topic do not serialize each other.
	// The topic filter matters on the live path: notifications carry ids
	// from every topic on the shared channel.
	claimQuery = `
		SELECT m.content
		FROM messages m
		JOIN topics t ON t.id = m.topic_id
		WHERE m.id = $1 AND t.name = $2 AND m.status = 'new'
		FOR UPDATE OF m SKIP LOCKED`

	markProcessingQuery = `UPDATE messages SET status = 'processing' WHERE id = $1`
	markProcessedQuery  = `UPDATE messages SET status = 'processed' WHERE id = $1`
)

// Subscribe attaches fn to the named topic and blocks, delivering every
// message published to it until ctx is cancelled, the engine is shut down,
// or delivery fails.
//
// Delivery order follows publication order for the stored backlog, then
// notification arrival order for live messages. Each message is handed to
// exactly one claimant, so any number of Subscribe calls may run
// concurrently against the same topic; together they process the topic's
// messages with no message handled twice.
//
// Subscribe returns nil once the engine is shut down, ctx.Err() when the
// caller's context ends first, and an error describing the failure
// otherwise.
func (p *PubSub) Subscribe(ctx context.Context, topic string, fn Handler) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if fn == nil {
		return errors.New("unisub: nil handler")
	}
	if p.listeners == nil {
		return errors.New("unisub: no listener factory configured")
	}
	if p.ctx.Err() != nil {
		return ErrClosed
	}

	logger := p.logger.With().
		Str("topic", topic).
		Str("subscription", uuid.NewString()).
		Logger()

	l, err := p.listeners(ctx)
	if err != nil {
		return fmt.Errorf("opening listener: %w", err)
	}
	defer func() {
		if cerr := l.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("closing listener")
		}
	}()

	// Listen before the first backlog scan. A message committed after this
	// point either shows up in the scan or notifies the armed listener;
	// seeing it in both is fine, the claim transaction deduplicates.
	if err := l.Listen(ctx, p.channel); err != nil {
		return fmt.Errorf("listening on %q: %w", p.channel, err)
	}

	logger.Debug().Msg("subscription started")

	if err := p.drainBacklog(ctx, topic, fn, logger); err != nil {
		return err
	}

	for {
		select {
		case <-p.ctx.Done():
			logger.Debug().Msg("subscription stopped")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-l.Notifications():
			if !ok {
				return fmt.Errorf("waiting on %q: %w", p.channel, ErrListenerClosed)
			}
			if n == nil {
				// The notification connection was re-established and
				// notifications may have been lost in the gap. The status
				// column is the source of truth, so re-scan the backlog.
				logger.Warn().Msg("notification stream interrupted, re-scanning backlog")
				if err := p.drainBacklog(ctx, topic, fn, logger); err != nil {
					return err
				}
				continue
			}
			if n.Channel != p.channel {
				continue
			}

			id, err := strconv.ParseInt(n.Payload, 10, 64)
			if err != nil {
				return &NotificationError{Channel: n.Channel, Payload: n.Payload, Err: err}
			}
			if err := p.processMessage(ctx, topic, id, fn, logger); err != nil {
				return err
			}
		}
	}
}

// drainBacklog claims and processes every undelivered message of the topic
// that existed when the scan ran. Messages claimed by other subscribers in
// the meantime are skipped by the claim transaction.
func (p *PubSub) drainBacklog(ctx context.Context, topic string, fn Handler, logger zerolog.Logger) error {
	ids, err := p.backlogIDs(ctx, topic)
	if err != nil {
		return fmt.Errorf("reading backlog for %q: %w", topic, err)
	}
	if len(ids) == 0 {
		return nil
	}

	logger.Debug().Int("messages", len(ids)).Msg("draining backlog")

	for _, id := range ids {
		select {
		case <-p.ctx.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.processMessage(ctx, topic, id, fn, logger); err != nil {
			return err
		}
	}
	return nil
}

func (p *PubSub) backlogIDs(ctx context.Context, topic string) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.readTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, backlogQuery, topic)
	if err != nil {
		return nil, fmt.Errorf("querying undelivered messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating undelivered messages: %w", err)
	}
	return ids, nil
}

// processMessage runs one claim cycle for a single message. The claim, the
// handler outcome and the status updates share one transaction, so a lost
// claim or a failed handler rolls everything back and the message stays
// claimable by others.
func (p *PubSub) processMessage(ctx context.Context, topic string, id int64, fn Handler, logger zerolog.Logger) error {
	// Do not use the loop context here, a message accepted for processing
	// should finish even when the engine is shutting down.
	ctx = context.WithoutCancel(ctx)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning claim transaction: %w", err)
	}

	var committed bool
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	content, claimed, err := p.claimMessage(ctx, tx, id, topic)
	if err != nil {
		return fmt.Errorf("claiming message %d: %w", id, err)
	}
	if !claimed {
		// Another subscriber holds or already handled this message.
		logger.Debug().Int64("message", id).Msg("claim lost")
		return nil
	}

	if err := p.markMessage(ctx, tx, markProcessingQuery, id); err != nil {
		return fmt.Errorf("marking message %d processing: %w", id, err)
	}

	if err := fn(ctx, content); err != nil {
		// The rollback reverts the message to new for a later attempt.
		logger.Warn().Int64("message", id).Err(err).Msg("handler failed, message left unprocessed")
		return nil
	}

	if err := p.markMessage(ctx, tx, markProcessedQuery, id); err != nil {
		return fmt.Errorf("marking message %d processed: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message %d: %w", id, err)
	}
	committed = true

	logger.Debug().Int64("message", id).Msg("message processed")
	return nil
}

func (p *PubSub) claimMessage(ctx context.Context, tx Tx, id int64, topic string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.claimTimeout)
	defer cancel()

	var content []byte
	err := tx.QueryRowContext(ctx, claimQuery, id, topic).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

func (p *PubSub) markMessage(ctx context.Context, tx Tx, query string, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, p.claimTimeout)
	defer cancel()

	_, err := tx.ExecContext(ctx, query, id)
	return err
}
