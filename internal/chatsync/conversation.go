package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/history"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

// SelectConversation opens roomID, closing any other open conversation
// first. It returns once the room is opening; history loads in the
// background. WaitOpen blocks until the room is open. Selecting the room
// that is already open is a no-op.
func (c *Core) SelectConversation(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("selecting conversation: %w", chaterrors.ErrUnknownRoom)
	}

	return c.do(ctx, func(ctx context.Context) error {
		c.open(ctx, roomID)
		return nil
	})
}

// CloseConversation returns to the list view. Buffered messages are
// kept.
func (c *Core) CloseConversation(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		if c.openRoom != "" {
			c.close(ctx)
		}

		return nil
	})
}

// WaitOpen blocks until the selected conversation is open. History
// failure still opens it. Returns ErrNoOpenConversation if nothing is
// selected or the conversation is closed before it opens.
func (c *Core) WaitOpen(ctx context.Context) error {
	var wait chan error

	err := c.do(ctx, func(context.Context) error {
		switch {
		case c.openRoom == "":
			return chaterrors.ErrNoOpenConversation
		case c.phase == models.PhaseOpen:
			return nil
		}

		wait = make(chan error, 1)
		c.waiters = append(c.waiters, wait)

		return nil
	})
	if err != nil || wait == nil {
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// open runs the closed -> opening transition: close the previous room,
// start the history fetch, subscribe, reset unread.
func (c *Core) open(ctx context.Context, roomID string) {
	if roomID == c.openRoom && (c.phase == models.PhaseOpening || c.phase == models.PhaseOpen) {
		return
	}

	if c.openRoom != "" {
		c.close(ctx)
	}

	c.gen++
	c.historyPage = 0
	c.historyMore = true
	c.historyBusy = true
	c.historyErr = nil
	c.setPhase(roomID, models.PhaseOpening)

	c.logger.Info("conversation opening", slog.String("room", roomID))

	c.fetchHistory(ctx, roomID, c.gen, 0, false)

	// Pushes that land before history resolves are buffered by the store
	// and merged when it does.
	if err := c.registry.SetActiveRoom(ctx, roomID, c.roomHandler()); err != nil {
		c.logger.Warn("subscribe failed, retrying after reconnect",
			slog.String("room", roomID),
			slog.String("error", err.Error()),
		)
	}

	var created bool

	c.store.Apply(func(tx *store.Tx) {
		_, created = tx.EnsureSummary(roomID)
		tx.ResetUnread(roomID)
	})

	if created {
		c.logger.Debug("opened room not in list", slog.String("room", roomID))
	}

	c.emit(Event{Kind: EventSummaries, RoomID: roomID})
	c.fireAndForget(ctx, "presence", roomID, c.transport.EnterRoom)
}

// close runs open -> closing -> closed for the open room.
func (c *Core) close(ctx context.Context) {
	room := c.openRoom

	c.setPhase(room, models.PhaseClosing)
	c.registry.Clear(ctx)

	// Any fetch still in flight for this room is now stale.
	c.gen++
	c.historyBusy = false
	c.historyErr = nil
	c.failWaiters(chaterrors.ErrNoOpenConversation)

	c.openRoom = ""
	c.phase = models.PhaseClosed
	c.syncView()
	c.emit(Event{Kind: EventPhase, RoomID: room, Phase: models.PhaseClosed})

	c.logger.Info("conversation closed", slog.String("room", room))
}

// markOpen completes opening -> open and sends the read receipt.
func (c *Core) markOpen(ctx context.Context) {
	if c.phase != models.PhaseOpening {
		return
	}

	c.setPhase(c.openRoom, models.PhaseOpen)
	c.failWaiters(nil)
	c.fireAndForget(ctx, "read receipt", c.openRoom, c.transport.MarkRead)

	c.logger.Info("conversation open", slog.String("room", c.openRoom))
}

func (c *Core) failWaiters(err error) {
	for _, w := range c.waiters {
		w <- err
	}

	c.waiters = nil
}

// --- History ---

// HasMoreHistory reports whether LoadOlderHistory may return more.
func (c *Core) HasMoreHistory() bool {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()

	return c.view.historyMore
}

// LoadOlderHistory fetches the next page of the open room's history and
// merges it. A no-op when a fetch is already running or the server has
// no more pages.
func (c *Core) LoadOlderHistory(ctx context.Context) error {
	return c.loadPage(ctx, func() (int, bool) {
		return c.historyPage, c.historyMore
	})
}

// RetryHistory re-issues the fetch that last failed for the open room,
// or page 0 if none did.
func (c *Core) RetryHistory(ctx context.Context) error {
	return c.loadPage(ctx, func() (int, bool) {
		var he *chaterrors.HistoryFetchError
		if errors.As(c.historyErr, &he) {
			return he.Page, true
		}

		return 0, true
	})
}

// loadPage reserves a fetch on the loop, performs it on the caller's
// goroutine, and applies the result on the loop.
func (c *Core) loadPage(ctx context.Context, pick func() (page int, ok bool)) error {
	var (
		room string
		gen  uint64
		page int
	)

	err := c.do(ctx, func(context.Context) error {
		if c.openRoom == "" {
			return chaterrors.ErrNoOpenConversation
		}

		p, ok := pick()
		if c.historyBusy || !ok {
			return nil
		}

		room, gen, page = c.openRoom, c.gen, p
		c.historyBusy = true

		return nil
	})
	if err != nil || room == "" {
		return err
	}

	res := c.fetchPage(ctx, room, gen, page, false)

	var applyErr error

	err = c.do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		applyErr = c.applyHistory(ctx, res)
		return nil
	})
	if err != nil {
		return err
	}

	return applyErr
}

// fetchHistory starts a background fetch whose result returns through
// the inbox.
func (c *Core) fetchHistory(ctx context.Context, roomID string, gen uint64, page int, refresh bool) {
	c.spawn(func() {
		c.inbox.push(c.fetchPage(ctx, roomID, gen, page, refresh))
	})
}

func (c *Core) fetchPage(ctx context.Context, roomID string, gen uint64, page int, refresh bool) historyResult {
	start := time.Now()
	msgs, err := c.history.FetchRoomMessages(ctx, roomID, page, c.cfg.HistoryPageSize)

	return historyResult{
		roomID:  roomID,
		gen:     gen,
		page:    page,
		refresh: refresh,
		msgs:    msgs,
		err:     err,
		took:    time.Since(start),
	}
}

// applyHistory merges a fetched page if it still belongs to the open
// room. Either outcome completes opening -> open. A failure is recorded
// for RetryHistory and returned as a HistoryFetchError.
func (c *Core) applyHistory(ctx context.Context, res historyResult) error {
	if res.gen != c.gen || res.roomID != c.openRoom {
		c.cfg.Metrics.StaleHistoryDiscarded()
		c.logger.Debug("discarding stale history",
			slog.String("room", res.roomID),
			slog.Int("page", res.page),
		)

		return nil
	}

	if !res.refresh {
		c.historyBusy = false
	}

	if res.err != nil {
		c.cfg.Metrics.HistoryFetch(metrics.ResultFailed, res.took)

		herr := &chaterrors.HistoryFetchError{
			RoomID:    res.roomID,
			Page:      res.page,
			Err:       res.err,
			Transient: history.IsTransient(res.err),
		}
		c.historyErr = herr

		c.logger.Warn("history fetch failed",
			slog.String("room", res.roomID),
			slog.Int("page", res.page),
			slog.Bool("transient", herr.Transient),
			slog.String("error", res.err.Error()),
		)

		c.syncView()
		c.markOpen(ctx)
		c.emit(Event{Kind: EventMessages, RoomID: res.roomID})

		return herr
	}

	c.cfg.Metrics.HistoryFetch(metrics.ResultOK, res.took)

	c.store.Apply(func(tx *store.Tx) {
		tx.LoadHistory(res.roomID, res.msgs, c.cfg.EchoTolerance)
		tx.ResetUnread(res.roomID)
	})

	if res.page >= c.historyPage {
		c.historyPage = res.page + 1
		c.historyMore = len(res.msgs) >= c.cfg.HistoryPageSize
	}

	var he *chaterrors.HistoryFetchError
	if errors.As(c.historyErr, &he) && he.Page == res.page {
		c.historyErr = nil
	}

	c.logger.Debug("history merged",
		slog.String("room", res.roomID),
		slog.Int("page", res.page),
		slog.Int("fetched", len(res.msgs)),
	)

	c.syncView()
	c.markOpen(ctx)
	c.emit(Event{Kind: EventMessages, RoomID: res.roomID})
	c.emit(Event{Kind: EventSummaries, RoomID: res.roomID})

	return nil
}
