// Package chatsync is the synchronization core. It keeps the
// conversation store consistent with the live transport and the history
// backfill: optimistic sends reconciled against server echoes, pushes
// routed to the open room or counted as unread, stale history discarded.
package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/registry"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/alexjbarnes/chat-sync/internal/transport"
	nanoid "github.com/matoous/go-nanoid/v2"
)

const (
	defaultRoomPageSize    = 20
	defaultHistoryPageSize = 50
	defaultEchoTolerance   = 2 * time.Minute

	// fireAndForgetTimeout bounds read receipts and presence signals.
	fireAndForgetTimeout = 10 * time.Second

	localIDLength = 16
	localIDPrefix = "msg_"
)

// Transport is the connection surface the core drives.
// *transport.Manager satisfies it.
type Transport interface {
	registry.Subscriber
	Publish(ctx context.Context, roomID, clientID, text string) error
	MarkRead(ctx context.Context, roomID string) error
	EnterRoom(ctx context.Context, roomID string) error
	SetFallback(h transport.Handler)
	State() models.ConnectionState
	OnStateChange(fn func(models.ConnectionState))
}

// History is the durable backfill collaborator. *history.Client
// satisfies it.
type History interface {
	FetchRoomList(ctx context.Context, cursor string, pageSize int) (*models.RoomPage, error)
	FetchRoomMessages(ctx context.Context, roomID string, page, pageSize int) ([]models.Message, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// Config tunes the core. Zero values take defaults.
type Config struct {
	RoomPageSize    int
	HistoryPageSize int
	// EchoTolerance is the largest sentAt difference at which a self echo
	// without a matching client id is still taken as the server copy of a
	// pending send.
	EchoTolerance time.Duration
	// Location sets the calendar used for day grouping. Nil means
	// time.Local.
	Location *time.Location
	Metrics  *metrics.Metrics
	// NewID overrides provisional id generation. Tests use it for
	// deterministic ids.
	NewID func() string
}

// loopOp is an operation submitted to the event loop. fn runs on the
// loop goroutine and its error is delivered on result.
type loopOp struct {
	fn     func(ctx context.Context) error
	result chan error
}

// Core owns every conversation state transition.
//
// Architecture: a single event loop goroutine (Run) executes user
// operations from opCh and drains the inbox, which transport handlers and
// background fetches append to without blocking. History fetches and
// publishes run off the loop; their results come back through the inbox
// or the submitting operation and are applied on the loop.
type Core struct {
	cfg       Config
	transport Transport
	history   History
	logger    *slog.Logger
	store     *store.Store
	registry  *registry.Registry

	opCh  chan loopOp
	inbox inbox
	done  chan struct{}
	wg    sync.WaitGroup

	// Loop-owned. Mirrored into view for readers.
	openRoom      string
	phase         models.ConversationPhase
	gen           uint64
	historyPage   int
	historyMore   bool
	historyBusy   bool
	historyErr    error
	waiters       []chan error
	everConnected bool
	listWanted    bool

	viewMu sync.RWMutex
	view   view

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// view is the read-side snapshot of loop-owned state.
type view struct {
	openRoom    string
	phase       models.ConversationPhase
	historyErr  error
	historyMore bool
}

// New creates a Core. Call Run to start processing.
func New(cfg Config, t Transport, h History, logger *slog.Logger) *Core {
	if cfg.RoomPageSize <= 0 {
		cfg.RoomPageSize = defaultRoomPageSize
	}

	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = defaultHistoryPageSize
	}

	if cfg.EchoTolerance <= 0 {
		cfg.EchoTolerance = defaultEchoTolerance
	}

	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	if cfg.NewID == nil {
		cfg.NewID = newLocalID
	}

	c := &Core{
		cfg:       cfg,
		transport: t,
		history:   h,
		logger:    logger,
		store:     store.New(),
		registry:  registry.New(t, logger),
		opCh:      make(chan loopOp, 64),
		inbox:     inbox{wake: make(chan struct{}, 1)},
		done:      make(chan struct{}),
		subs:      make(map[int]chan Event),
	}

	c.everConnected = t.State() == models.Connected

	t.SetFallback(c.onBackgroundPush)
	t.OnStateChange(c.onStateChange)

	return c
}

func newLocalID() string {
	id, err := nanoid.New(localIDLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}

	return localIDPrefix + id
}

// Run is the event loop. It returns nil when ctx is cancelled.
func (c *Core) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.wg.Wait()

	c.logger.Debug("sync core started")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil

		case op := <-c.opCh:
			op.result <- op.fn(ctx)

		case <-c.inbox.wake:
			for _, item := range c.inbox.drain() {
				c.handleInbox(ctx, item)
			}
		}
	}
}

func (c *Core) shutdown() {
	c.failWaiters(chaterrors.ErrStopped)

	c.subsMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()

	c.logger.Debug("sync core stopped")
}

// do submits fn to the event loop and waits for its result.
func (c *Core) do(ctx context.Context, fn func(ctx context.Context) error) error {
	op := loopOp{fn: fn, result: make(chan error, 1)}

	select {
	case c.opCh <- op:
	case <-c.done:
		return chaterrors.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-c.done:
		return chaterrors.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs fn off the loop. Run waits for spawned work before
// returning. Only called from the loop.
func (c *Core) spawn(fn func()) {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// handleInbox applies one queued item on the loop.
func (c *Core) handleInbox(ctx context.Context, item any) {
	switch ev := item.(type) {
	case pushEvent:
		c.applyPush(ctx, ev)
	case stateEvent:
		c.applyState(ctx, ev.state)
	case historyResult:
		_ = c.applyHistory(ctx, ev)
	case summariesResult:
		c.applySummaries(ev)
	default:
		c.logger.Warn("unknown inbox item", slog.String("type", fmt.Sprintf("%T", item)))
	}
}

// setPhase updates loop state and the read-side view together.
func (c *Core) setPhase(room string, phase models.ConversationPhase) {
	c.openRoom = room
	c.phase = phase
	c.syncView()
	c.emit(Event{Kind: EventPhase, RoomID: room, Phase: phase})
}

func (c *Core) syncView() {
	c.viewMu.Lock()
	c.view = view{
		openRoom:    c.openRoom,
		phase:       c.phase,
		historyErr:  c.historyErr,
		historyMore: c.historyMore,
	}
	c.viewMu.Unlock()
}

// fireAndForget runs a best-effort transport call off the loop. Failures
// are logged at debug and never surfaced.
func (c *Core) fireAndForget(ctx context.Context, what, roomID string, fn func(ctx context.Context, roomID string) error) {
	c.spawn(func() {
		ctx, cancel := context.WithTimeout(ctx, fireAndForgetTimeout)
		defer cancel()

		if err := fn(ctx, roomID); err != nil {
			c.logger.Debug(what+" not delivered", slog.String("room", roomID), slog.String("error", err.Error()))
		}
	})
}

// --- Read side ---

// Summaries returns the conversation list in display order.
func (c *Core) Summaries() []models.ConversationSummary {
	return c.store.Summaries()
}

// Summary returns one room's summary.
func (c *Core) Summary(roomID string) (models.ConversationSummary, bool) {
	return c.store.Summary(roomID)
}

// OpenRoom returns the room currently opening or open, or "".
func (c *Core) OpenRoom() string {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()

	return c.view.openRoom
}

// Phase returns the open conversation's lifecycle phase.
func (c *Core) Phase() models.ConversationPhase {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()

	return c.view.phase
}

// HistoryError returns the last history fetch failure for the open room,
// or nil. A non-nil value is the cue to offer RetryHistory.
func (c *Core) HistoryError() error {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()

	return c.view.historyErr
}

// Messages returns the open conversation's messages ascending by SentAt.
func (c *Core) Messages() []models.Message {
	room := c.OpenRoom()
	if room == "" {
		return nil
	}

	return c.store.Messages(room)
}

// RoomMessages returns any room's buffered messages.
func (c *Core) RoomMessages(roomID string) []models.Message {
	return c.store.Messages(roomID)
}

// DayGroups returns the open conversation grouped by calendar day.
func (c *Core) DayGroups() []models.DayGroup {
	return store.GroupByDay(c.Messages(), c.cfg.Location)
}

// ConnectionState reports the transport state.
func (c *Core) ConnectionState() models.ConnectionState {
	return c.transport.State()
}
