package chatsync

import (
	"context"
	"fmt"
	"log/slog"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

// LoadSummaries fetches the first page of the room list and merges it
// into the store.
func (c *Core) LoadSummaries(ctx context.Context) ([]models.ConversationSummary, error) {
	return c.loadSummaries(ctx, "")
}

// LoadMoreSummaries fetches the next room-list page, if the last page
// said there is one.
func (c *Core) LoadMoreSummaries(ctx context.Context) ([]models.ConversationSummary, error) {
	hasNext, cursor := c.store.Cursor()
	if !hasNext {
		return c.store.Summaries(), nil
	}

	return c.loadSummaries(ctx, cursor)
}

// HasMoreSummaries reports whether the room list has another page.
func (c *Core) HasMoreSummaries() bool {
	hasNext, _ := c.store.Cursor()
	return hasNext
}

func (c *Core) loadSummaries(ctx context.Context, cursor string) ([]models.ConversationSummary, error) {
	page, fetchErr := c.history.FetchRoomList(ctx, cursor, c.cfg.RoomPageSize)

	err := c.do(ctx, func(context.Context) error {
		// Reconnects refetch the list once it has been asked for, even
		// if this attempt failed.
		c.listWanted = true

		if fetchErr != nil {
			return fmt.Errorf("loading conversations: %w", fetchErr)
		}

		c.applySummaries(summariesResult{cursor: cursor, page: page})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return c.store.Summaries(), nil
}

// applySummaries merges a room-list page. The open room's unread count
// stays at zero whatever the server reported.
func (c *Core) applySummaries(res summariesResult) {
	if res.err != nil {
		c.logger.Warn("room list refresh failed", slog.String("error", res.err.Error()))
		return
	}

	c.store.Apply(func(tx *store.Tx) {
		tx.LoadSummaries(res.cursor, *res.page)

		if c.openRoom != "" {
			tx.ResetUnread(c.openRoom)
		}
	})

	c.logger.Debug("room list merged",
		slog.Int("rooms", len(res.page.Rooms)),
		slog.Bool("has_next", res.page.HasNext),
	)

	c.emit(Event{Kind: EventSummaries})
}

// DeleteConversation closes the room if it is open, deletes it on the
// server and removes it from the store. If the server call fails the
// room stays in the list.
func (c *Core) DeleteConversation(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("deleting conversation: %w", chaterrors.ErrUnknownRoom)
	}

	closeIfOpen := func(ctx context.Context) {
		if c.openRoom == roomID {
			c.close(ctx)
		}
	}

	err := c.do(ctx, func(ctx context.Context) error {
		closeIfOpen(ctx)
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.history.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("deleting conversation %s: %w", roomID, err)
	}

	return c.do(ctx, func(ctx context.Context) error {
		// It may have been reopened while the delete was in flight.
		closeIfOpen(ctx)
		c.store.DeleteConversation(roomID)
		c.emit(Event{Kind: EventSummaries, RoomID: roomID})

		c.logger.Info("conversation deleted", slog.String("room", roomID))

		return nil
	})
}
