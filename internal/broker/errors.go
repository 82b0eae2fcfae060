package broker

import "errors"

// Sentinel errors returned by broker operations. API handlers map these to
// HTTP status codes.
var (
	// ErrQueueNotFound is returned when an operation targets a queue that
	// has never been declared (or was deleted).
	ErrQueueNotFound = errors.New("queue not found")

	// ErrMessageNotFound is returned by Ack when the message_id is not
	// currently in flight for the named queue.
	ErrMessageNotFound = errors.New("message not in flight")

	// ErrInvalidName is returned when a queue name fails validation.
	ErrInvalidName = errors.New("invalid queue name")
)
