// Package messagequeue defines the message queue port and the wire schemas
// exchanged over it.
package messagequeue

import "context"

// Handler processes a single message. Returning an error NAKs the message.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for the message plane.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe registers a handler and returns a cancel function.
	Subscribe(ctx context.Context, subject string, handler Handler) (func(), error)
	Close() error
}
