package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

// SendMessage appends text to the open conversation as a pending
// provisional message, then publishes it. The message is visible before
// the server confirms it; the echo later reconciles it to confirmed.
//
// Sending is allowed while the conversation is still opening. The room is
// already subscribed, and the message is buffered and merged with the
// history page once it arrives.
//
// When the transport is not connected the message is appended already
// failed and nothing is published. A publish error marks it failed. In
// both cases the returned message carries the failed state and the error
// is returned. Failed messages are only re-sent through ResendMessage.
func (c *Core) SendMessage(ctx context.Context, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, chaterrors.ErrEmptyMessage
	}

	var (
		msg       models.Message
		connected bool
	)

	err := c.do(ctx, func(context.Context) error {
		if c.openRoom == "" {
			return chaterrors.ErrNoOpenConversation
		}

		room := c.openRoom
		now := time.Now()
		connected = c.transport.State() == models.Connected

		msg = models.Message{
			ID:       models.Provisional(c.cfg.NewID()),
			RoomID:   room,
			Text:     text,
			Sender:   models.SenderSelf,
			SentAt:   now,
			Delivery: models.DeliveryPending,
		}

		if !connected {
			msg.Delivery = models.DeliveryFailed
		}

		c.store.Apply(func(tx *store.Tx) {
			tx.AppendMessage(room, msg)
			tx.Touch(room, text, now)
		})

		c.emit(Event{Kind: EventMessages, RoomID: room})
		c.emit(Event{Kind: EventSummaries, RoomID: room})

		return nil
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("sending message: %w", err)
	}

	if !connected {
		c.cfg.Metrics.Send(metrics.ResultRejected)
		c.logger.Info("send while disconnected",
			slog.String("room", msg.RoomID),
			slog.String("local_id", msg.ID.LocalID),
		)

		return msg, fmt.Errorf("sending message: %w", chaterrors.ErrNotConnected)
	}

	return c.publish(ctx, msg)
}

// ResendMessage retries a failed message under the same client id, so a
// server that did receive the first attempt echoes a message the store
// folds into the same entry. The entry is restamped with the resend time
// and moves to the end of the conversation.
func (c *Core) ResendMessage(ctx context.Context, localID string) (models.Message, error) {
	var (
		msg       models.Message
		connected bool
	)

	err := c.do(ctx, func(context.Context) error {
		if c.openRoom == "" {
			return chaterrors.ErrNoOpenConversation
		}

		room := c.openRoom

		var opErr error

		c.store.Apply(func(tx *store.Tx) {
			m, ok := tx.FindLocal(room, localID)
			switch {
			case !ok:
				opErr = chaterrors.ErrMessageNotFound
				return
			case m.Delivery != models.DeliveryFailed:
				opErr = chaterrors.ErrMessageNotResendable
				return
			}

			connected = c.transport.State() == models.Connected
			if connected {
				m, _ = tx.Resend(room, localID, time.Now())
			}

			msg = m
		})

		if opErr != nil {
			return opErr
		}

		if connected {
			c.emit(Event{Kind: EventMessages, RoomID: room})
			c.emit(Event{Kind: EventSummaries, RoomID: room})
		}

		return nil
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("resending message %s: %w", localID, err)
	}

	if !connected {
		c.cfg.Metrics.Send(metrics.ResultRejected)
		return msg, fmt.Errorf("resending message %s: %w", localID, chaterrors.ErrNotConnected)
	}

	return c.publish(ctx, msg)
}

// publish hands a pending message to the transport and marks it failed
// if that errors.
func (c *Core) publish(ctx context.Context, msg models.Message) (models.Message, error) {
	err := c.transport.Publish(ctx, msg.RoomID, msg.ID.LocalID, msg.Text)
	if err == nil {
		c.cfg.Metrics.Send(metrics.ResultOK)
		return msg, nil
	}

	result := metrics.ResultFailed
	if errors.Is(err, chaterrors.ErrNotConnected) {
		result = metrics.ResultRejected
	}

	c.cfg.Metrics.Send(result)

	c.logger.Warn("publish failed",
		slog.String("room", msg.RoomID),
		slog.String("local_id", msg.ID.LocalID),
		slog.String("error", err.Error()),
	)

	// The failure must land even if the caller has given up.
	markErr := c.do(context.WithoutCancel(ctx), func(context.Context) error {
		c.markFailed(msg.RoomID, msg.ID.LocalID)
		return nil
	})
	if markErr != nil {
		c.logger.Debug("could not mark message failed", slog.String("error", markErr.Error()))
	}

	msg.Delivery = models.DeliveryFailed

	return msg, fmt.Errorf("sending message: %w", err)
}

// markFailed flags a message failed unless an echo confirmed it first.
func (c *Core) markFailed(roomID, localID string) {
	var changed bool

	c.store.Apply(func(tx *store.Tx) {
		m, ok := tx.FindLocal(roomID, localID)
		if !ok || !m.ID.IsProvisional() || m.Delivery != models.DeliveryPending {
			return
		}

		changed = tx.SetDelivery(roomID, localID, models.DeliveryFailed)
	})

	if changed {
		c.emit(Event{Kind: EventMessages, RoomID: roomID})
	}
}
