package unisub

import (
	"context"
	"fmt"
)

// Publish appends content as a new message on the named topic. The message
// is durable once Publish returns: it survives process and store restarts
// until a subscriber processes it. Subscribers attached to the topic are
// notified through the store's notification channel by the insert trigger.
//
// Publishing to a topic that does not exist returns ErrUnknownTopic.
// Content is opaque bytes; encoding is the caller's business. Nil content
// is stored as an empty payload.
func (p *PubSub) Publish(ctx context.Context, topic string, content []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	// A nil slice would reach the store as SQL NULL, which the content
	// column rejects.
	if content == nil {
		content = []byte{}
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (topic_id, content)
		SELECT id, $2 FROM topics WHERE name = $1`,
		topic, content)
	if err != nil {
		return fmt.Errorf("publishing to %q: %w", topic, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("publishing to %q: %w", topic, err)
	}
	if inserted == 0 {
		return fmt.Errorf("publishing to %q: %w", topic, ErrUnknownTopic)
	}
	return nil
}
