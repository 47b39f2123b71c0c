// Package broadcast defines the real-time event broadcast port consumed by
// the (out-of-scope) dashboard.
package broadcast

import "context"

// Broadcaster fans typed events out to all connected clients.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
