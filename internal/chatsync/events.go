package chatsync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/transport"
)

// EventKind says which part of the state changed.
type EventKind int

const (
	EventSummaries EventKind = iota
	EventMessages
	EventConnection
	EventPhase
)

func (k EventKind) String() string {
	switch k {
	case EventSummaries:
		return "summaries"
	case EventMessages:
		return "messages"
	case EventConnection:
		return "connection"
	case EventPhase:
		return "phase"
	}

	return "unknown"
}

// Event is a change notification. Consumers re-read the state they
// render; events carry no payload beyond what changed.
type Event struct {
	Kind   EventKind
	RoomID string
	State  models.ConnectionState
	Phase  models.ConversationPhase
}

const eventBuffer = 64

// Subscribe returns a channel of change events and a cancel func. Events
// are dropped for a subscriber whose buffer is full. The channel closes
// on cancel or when the core stops.
func (c *Core) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			c.subsMu.Lock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
			c.subsMu.Unlock()
		})
	}

	return ch, cancel
}

func (c *Core) emit(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Debug("event dropped, subscriber slow", slog.String("kind", ev.Kind.String()))
		}
	}
}

// --- Inbox ---

// inbox is an unbounded queue into the event loop. push never blocks, so
// transport handlers cannot stall the reader or deadlock against an
// unsubscribe issued from the loop.
type inbox struct {
	mu    sync.Mutex
	items []any
	wake  chan struct{}
}

func (q *inbox) push(v any) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *inbox) drain() []any {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

// pushEvent is an inbound message. viaRoom is set when it came through
// the open room's subscription rather than the fallback.
type pushEvent struct {
	push    transport.Push
	viaRoom bool
}

type stateEvent struct {
	state models.ConnectionState
}

// historyResult is one fetched history page. gen is the open-room
// generation the fetch was issued under; a result from an older
// generation is stale.
type historyResult struct {
	roomID  string
	gen     uint64
	page    int
	refresh bool
	msgs    []models.Message
	err     error
	took    time.Duration
}

type summariesResult struct {
	cursor string
	page   *models.RoomPage
	err    error
}
