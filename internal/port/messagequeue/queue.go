// Package messagequeue defines the message queue port for event ingestion.
package messagequeue

import "context"

// Subjects used on the inbox stream.
const (
	SubjectInboxPrefix = "inbox."
	SubjectInboxAll    = "inbox.>"
)

// Handler processes one inbound message. Returning an error NAKs the message
// for redelivery.
type Handler func(subject string, data []byte) error

// Queue is the port interface for the ingestion message queue.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (func(), error)
	Close() error
}
