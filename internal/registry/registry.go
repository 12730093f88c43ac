// Package registry tracks the single room whose live channel is
// subscribed on the transport.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/transport"
)

// Subscriber is the part of the transport the registry drives.
type Subscriber interface {
	Subscribe(ctx context.Context, roomID string, h transport.Handler) error
	Unsubscribe(ctx context.Context, roomID string) error
}

// Registry holds at most one active room. Switching rooms always
// completes the previous unsubscribe before the next subscribe.
type Registry struct {
	sub    Subscriber
	logger *slog.Logger

	mu      sync.Mutex
	active  string
	handler transport.Handler
}

func New(sub Subscriber, logger *slog.Logger) *Registry {
	return &Registry{sub: sub, logger: logger}
}

// Active returns the active room id, or "" when none.
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.active
}

// SetActiveRoom makes roomID the single subscribed room. An empty roomID
// clears the active room. Setting the room that is already active is a
// no-op. A subscribe error is returned but the room stays recorded as
// active so Resubscribe can retry it after a reconnect.
func (r *Registry) SetActiveRoom(ctx context.Context, roomID string, h transport.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if roomID == r.active {
		return nil
	}

	if r.active != "" {
		if err := r.sub.Unsubscribe(ctx, r.active); err != nil {
			// The handler is gone locally even if the server was not told.
			r.logger.Warn("unsubscribe failed",
				slog.String("room", r.active),
				slog.String("error", err.Error()),
			)
		}

		r.logger.Debug("room deactivated", slog.String("room", r.active))
	}

	r.active = roomID
	r.handler = h

	if roomID == "" {
		return nil
	}

	r.logger.Debug("room activated", slog.String("room", roomID))

	return r.sub.Subscribe(ctx, roomID, h)
}

// Resubscribe re-issues the subscription for the active room. Called
// after the transport reconnects, since the server does not remember
// subscriptions across connections.
func (r *Registry) Resubscribe(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == "" {
		return nil
	}

	r.logger.Info("resubscribing", slog.String("room", r.active))

	return r.sub.Subscribe(ctx, r.active, r.handler)
}

// Clear deactivates the active room, if any.
func (r *Registry) Clear(ctx context.Context) {
	_ = r.SetActiveRoom(ctx, "", nil)
}
