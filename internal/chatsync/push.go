package chatsync

import (
	"context"
	"log/slog"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/alexjbarnes/chat-sync/internal/transport"
)

// roomHandler is the subscription handler for the open room.
func (c *Core) roomHandler() transport.Handler {
	return func(p transport.Push) {
		c.inbox.push(pushEvent{push: p, viaRoom: true})
	}
}

// onBackgroundPush receives pushes for rooms without a subscription.
func (c *Core) onBackgroundPush(p transport.Push) {
	c.inbox.push(pushEvent{push: p})
}

func (c *Core) onStateChange(s models.ConnectionState) {
	c.inbox.push(stateEvent{state: s})
}

// applyPush folds one inbound message into the store. For the open room
// the message is appended (or reconciled, for a self echo) and unread
// stays at zero. For any other room the message is buffered, the room
// moves to the top of the list and a counterpart message counts as
// unread. A push received through the open room's subscription never
// counts as unread, even if the room closed before it was applied.
func (c *Core) applyPush(ctx context.Context, ev pushEvent) {
	p := ev.push
	room := p.RoomID
	msg := p.Message()

	open := room == c.openRoom && (c.phase == models.PhaseOpening || c.phase == models.PhaseOpen)

	var created, inserted, reconciled bool

	c.store.Apply(func(tx *store.Tx) {
		_, created = tx.EnsureSummary(room)

		if msg.Sender == models.SenderSelf {
			_, reconciled = tx.Reconcile(room, msg, c.cfg.EchoTolerance)
		}

		if !reconciled {
			inserted = tx.AppendMessage(room, msg)
		}

		tx.Touch(room, msg.Text, msg.SentAt)

		switch {
		case open:
			tx.ResetUnread(room)
		case inserted && !ev.viaRoom && msg.Sender == models.SenderCounterpart:
			tx.IncrementUnread(room)
		}
	})

	switch {
	case created:
		c.cfg.Metrics.Push(metrics.RoutedUnknown)
		c.logger.Debug("push for room not in list, summary synthesized",
			slog.String("room", room),
			slog.String("error", chaterrors.ErrUnknownRoom.Error()),
		)
	case open:
		c.cfg.Metrics.Push(metrics.RoutedOpen)
	default:
		c.cfg.Metrics.Push(metrics.RoutedBackground)
	}

	if reconciled {
		c.cfg.Metrics.EchoReconciled()
		c.logger.Debug("echo reconciled", slog.String("room", room), slog.String("id", p.ServerID))
	}

	c.emit(Event{Kind: EventMessages, RoomID: room})
	c.emit(Event{Kind: EventSummaries, RoomID: room})

	if open && c.phase == models.PhaseOpen {
		c.fireAndForget(ctx, "read receipt", room, c.transport.MarkRead)
	}
}

// applyState reacts to a transport state change. On every connect the
// open room is re-subscribed, since the server forgets subscriptions
// with the connection. On a reconnect the open room's newest history
// page and the first room-list page are refetched to cover pushes missed
// while down.
func (c *Core) applyState(ctx context.Context, s models.ConnectionState) {
	c.emit(Event{Kind: EventConnection, State: s})

	if s != models.Connected {
		return
	}

	reconnect := c.everConnected
	c.everConnected = true

	if c.openRoom != "" {
		if err := c.registry.Resubscribe(ctx); err != nil {
			c.logger.Warn("resubscribe failed",
				slog.String("room", c.openRoom),
				slog.String("error", err.Error()),
			)
		}

		if reconnect {
			c.fetchHistory(ctx, c.openRoom, c.gen, 0, true)
		}

		if c.phase == models.PhaseOpen {
			c.fireAndForget(ctx, "read receipt", c.openRoom, c.transport.MarkRead)
		}
	}

	if reconnect && c.listWanted {
		c.spawn(func() {
			page, err := c.history.FetchRoomList(ctx, "", c.cfg.RoomPageSize)
			c.inbox.push(summariesResult{page: page, err: err})
		})
	}
}
