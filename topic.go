package unisub

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// CreateTopic registers a new named topic. Messages can only be published
// to topics that exist.
//
// Creating a topic that already exists returns ErrDuplicateTopic and
// leaves the existing topic untouched; callers that want create-if-absent
// semantics can ignore that error.
func (p *PubSub) CreateTopic(ctx context.Context, name string) error {
	if name == "" {
		return ErrEmptyTopic
	}

	_, err := p.db.ExecContext(ctx, `INSERT INTO topics (name) VALUES ($1)`, name)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("creating topic %q: %w: %w", name, ErrDuplicateTopic, err)
		}
		return fmt.Errorf("creating topic %q: %w", name, err)
	}
	return nil
}

// RemoveTopic deletes the named topic together with all of its messages,
// delivered or not. Removing a topic that does not exist is a no-op.
func (p *PubSub) RemoveTopic(ctx context.Context, name string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM topics WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("removing topic %q: %w", name, err)
	}
	return nil
}

// unique_violation, https://www.postgresql.org/docs/current/errcodes-appendix.html
const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode
}
