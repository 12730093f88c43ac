package chatsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Transport fake ---

type published struct {
	room, clientID, text string
}

// fakeTransport mimics transport.Manager: per-room handlers with a
// fallback, fail-fast publish, handlers cleared on drop.
type fakeTransport struct {
	mu         sync.Mutex
	state      models.ConnectionState
	handlers   map[string]transport.Handler
	fallback   transport.Handler
	listeners  []func(models.ConnectionState)
	subscribes []string
	unsubs     []string
	maxLive    int
	published  []published
	publishErr error
	reads      []string
	enters     []string
}

func newFakeTransport(state models.ConnectionState) *fakeTransport {
	return &fakeTransport{state: state, handlers: make(map[string]transport.Handler)}
}

func (f *fakeTransport) Subscribe(_ context.Context, roomID string, h transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handlers[roomID] = h
	f.maxLive = max(f.maxLive, len(f.handlers))

	if f.state == models.Connected {
		f.subscribes = append(f.subscribes, roomID)
	}

	return nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.handlers[roomID]; ok {
		delete(f.handlers, roomID)
		f.unsubs = append(f.unsubs, roomID)
	}

	return nil
}

func (f *fakeTransport) Publish(_ context.Context, roomID, clientID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != models.Connected {
		return chaterrors.ErrNotConnected
	}

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, published{room: roomID, clientID: clientID, text: text})

	return nil
}

func (f *fakeTransport) MarkRead(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != models.Connected {
		return chaterrors.ErrNotConnected
	}

	f.reads = append(f.reads, roomID)

	return nil
}

func (f *fakeTransport) EnterRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.enters = append(f.enters, roomID)

	return nil
}

func (f *fakeTransport) SetFallback(h transport.Handler) {
	f.mu.Lock()
	f.fallback = h
	f.mu.Unlock()
}

func (f *fakeTransport) State() models.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

func (f *fakeTransport) OnStateChange(fn func(models.ConnectionState)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) setState(s models.ConnectionState) {
	f.mu.Lock()
	f.state = s
	if s == models.Disconnected {
		clear(f.handlers)
	}
	listeners := slices.Clone(f.listeners)
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// deliver routes p the way the reader goroutine does.
func (f *fakeTransport) deliver(p transport.Push) {
	f.mu.Lock()
	h, ok := f.handlers[p.RoomID]
	if !ok {
		h = f.fallback
	}
	f.mu.Unlock()

	h(p)
}

// transportLog is a copy of what the fake transport has seen.
type transportLog struct {
	subscribes []string
	unsubs     []string
	maxLive    int
	published  []published
	reads      []string
	enters     []string
}

func (f *fakeTransport) snapshot() transportLog {
	f.mu.Lock()
	defer f.mu.Unlock()

	return transportLog{
		subscribes: slices.Clone(f.subscribes),
		unsubs:     slices.Clone(f.unsubs),
		maxLive:    f.maxLive,
		published:  slices.Clone(f.published),
		reads:      slices.Clone(f.reads),
		enters:     slices.Clone(f.enters),
	}
}

func (f *fakeTransport) live() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var rooms []string
	for id := range f.handlers {
		rooms = append(rooms, id)
	}

	return rooms
}

// --- History fake ---

// fakeHistory serves newest-first pages of each room's messages, in
// descending order so callers cannot rely on it.
type fakeHistory struct {
	mu        sync.Mutex
	messages  map[string][]models.Message
	pages     map[string]*models.RoomPage
	gates     map[string]chan struct{}
	errs      map[string]error
	fetches   []string
	deleted   []string
	deleteErr error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		messages: make(map[string][]models.Message),
		pages:    make(map[string]*models.RoomPage),
		gates:    make(map[string]chan struct{}),
		errs:     make(map[string]error),
	}
}

func (f *fakeHistory) FetchRoomList(_ context.Context, cursor string, _ int) (*models.RoomPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	page, ok := f.pages[cursor]
	if !ok {
		return nil, fmt.Errorf("no page for cursor %q", cursor)
	}

	cp := *page
	cp.Rooms = slices.Clone(page.Rooms)

	return &cp, nil
}

func (f *fakeHistory) FetchRoomMessages(ctx context.Context, roomID string, page, pageSize int) ([]models.Message, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, fmt.Sprintf("%s:%d", roomID, page))
	gate := f.gates[roomID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errs[roomID]; err != nil {
		return nil, err
	}

	all := f.messages[roomID]
	end := len(all) - page*pageSize
	start := max(end-pageSize, 0)

	if end <= 0 {
		return nil, nil
	}

	out := slices.Clone(all[start:end])
	slices.Reverse(out)

	return out, nil
}

func (f *fakeHistory) DeleteRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deleteErr != nil {
		return f.deleteErr
	}

	f.deleted = append(f.deleted, roomID)

	return nil
}

func (f *fakeHistory) gate(roomID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan struct{})
	f.gates[roomID] = ch

	return ch
}

func (f *fakeHistory) setErr(roomID string, err error) {
	f.mu.Lock()
	f.errs[roomID] = err
	f.mu.Unlock()
}

func (f *fakeHistory) fetchLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.fetches)
}

// --- Harness ---

type harness struct {
	t       *testing.T
	ctx     context.Context
	core    *Core
	tr      *fakeTransport
	hist    *fakeHistory
	metrics *metrics.Metrics
}

// newHarness starts a Core against fakes. Must be called inside a
// synctest bubble so settle can wait for the loop and its fetches.
func newHarness(t *testing.T, state models.ConnectionState) *harness {
	t.Helper()

	tr := newFakeTransport(state)
	hist := newFakeHistory()
	m := metrics.New(prometheus.NewRegistry())

	n := 0
	core := New(Config{
		RoomPageSize:    2,
		HistoryPageSize: 3,
		Location:        time.UTC,
		Metrics:         m,
		NewID: func() string {
			n++
			return fmt.Sprintf("msg_%d", n)
		},
	}, tr, hist, quietLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- core.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return &harness{t: t, ctx: context.Background(), core: core, tr: tr, hist: hist, metrics: m}
}

// settle waits until the loop and every background fetch are idle.
func (h *harness) settle() {
	synctest.Wait()
}

func (h *harness) open(roomID string) {
	h.t.Helper()

	require.NoError(h.t, h.core.SelectConversation(h.ctx, roomID))
	h.settle()
}

func (h *harness) push(p transport.Push) {
	if p.SentAt.IsZero() {
		p.SentAt = time.Now()
	}

	if p.Sender == "" {
		p.Sender = models.SenderCounterpart
	}

	h.tr.deliver(p)
	h.settle()
}

func (h *harness) unread(roomID string) int {
	h.t.Helper()

	sum, ok := h.core.Summary(roomID)
	require.True(h.t, ok, "no summary for %s", roomID)

	return sum.UnreadCount
}

func counterpartMsg(id, text string, at time.Time) models.Message {
	return models.Message{
		ID:     models.Confirmed(id),
		Text:   text,
		Sender: models.SenderCounterpart,
		SentAt: at,
	}
}

func texts(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}

	return out
}
