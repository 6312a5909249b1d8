package unisub

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine. Store-level failures are wrapped
// with %w and stay inspectable through errors.As (e.g. *pq.Error).
var (
	// ErrDuplicateTopic is returned by CreateTopic when a topic with the
	// same name already exists. The existing topic is left untouched.
	ErrDuplicateTopic = errors.New("unisub: topic already exists")

	// ErrUnknownTopic is returned by Publish when no topic matches the
	// given name. Create the topic first.
	ErrUnknownTopic = errors.New("unisub: unknown topic")

	// ErrEmptyTopic is returned when an operation is given an empty
	// topic name.
	ErrEmptyTopic = errors.New("unisub: topic name is empty")

	// ErrClosed is returned by Subscribe when the engine has already
	// been shut down before the call.
	ErrClosed = errors.New("unisub: engine is shut down")

	// ErrListenerClosed indicates the notification stream ended while a
	// subscription was still waiting on it.
	ErrListenerClosed = errors.New("unisub: listener closed")
)

// NotificationError indicates a notification whose payload could not be
// parsed as a message id. The notification channel contract carries the new
// message's id as a decimal string; anything else means a broken trigger or
// a foreign writer on the channel, so the subscription terminates rather
// than silently dropping the signal.
type NotificationError struct {
	Channel string
	Payload string
	Err     error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification on %q: parsing payload %q: %v", e.Channel, e.Payload, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }
