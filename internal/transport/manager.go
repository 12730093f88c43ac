// Package transport owns the single persistent WebSocket connection to
// the chat server: connect and authenticate, reconnect with backoff, and
// a per-room publish/subscribe surface.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 60 * time.Second
	heartbeatCheckAt = 5 * time.Second

	defaultReconnectMin = 1 * time.Second
	defaultReconnectMax = 1 * time.Minute
	defaultWriteTimeout = 10 * time.Second
	handshakeTimeout    = 15 * time.Second

	// wsReadLimit bounds a single inbound frame. Chat frames are small;
	// this only guards against a misbehaving server.
	wsReadLimit = 1 << 20

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2
)

//go:generate mockgen -source=manager.go -destination=mock_wsconn_test.go -package=transport -mock_names=wsConn=MockWSConn

// wsConn abstracts the WebSocket connection so the Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context) (wsConn, error)

// Handler receives pushes for one room. Handlers run on the connection's
// reader goroutine, one at a time, in receive order. A handler must not
// block indefinitely and must not call Unsubscribe.
type Handler func(Push)

// Config holds the parameters needed to connect to the chat server.
type Config struct {
	URL          string
	Token        string
	Device       string
	Codec        Codec
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics
}

// session is one live connection. lost receives exactly one value when
// the connection ends: the read/heartbeat error, or nil on teardown.
type session struct {
	conn   wsConn
	cancel context.CancelFunc
	lost   chan error
	once   sync.Once
}

func (s *session) end(err error) {
	s.once.Do(func() {
		s.cancel()
		s.lost <- err
	})
}

// Manager owns the connection. It is safe for concurrent use.
//
// Architecture: a reader goroutine per connection decodes frames and
// invokes room handlers synchronously, which preserves per-room order. A
// heartbeat goroutine pings on idle and declares the connection dead on
// prolonged silence. Run supervises reconnection.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc

	mu    sync.Mutex
	state models.ConnectionState
	sess  *session
	stop  chan struct{} // closed by Disconnect to end Run

	writeMu sync.Mutex

	handlersMu sync.Mutex
	handlers   map[string]Handler
	fallback   Handler

	// dispatchMu is held while a handler runs. Unsubscribe takes it after
	// removing the handler, so once Unsubscribe returns no invocation of
	// the old handler is in flight or can start.
	dispatchMu sync.Mutex

	listenersMu sync.Mutex
	listeners   []func(models.ConnectionState)

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// New creates a Manager. Zero durations in cfg take defaults and a nil
// codec means JSON.
func New(cfg Config, logger *slog.Logger) *Manager {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}

	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(defaultReconnectMax, cfg.ReconnectMin)
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
	m.dial = m.dialWebSocket

	return m
}

func (m *Manager) dialWebSocket(ctx context.Context) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, m.cfg.URL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{"chat-sync/1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// State returns the current connection state.
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// OnStateChange registers fn to be called after every state transition.
// Listeners must not block.
func (m *Manager) OnStateChange(fn func(models.ConnectionState)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

func (m *Manager) notify(s models.ConnectionState) {
	m.cfg.Metrics.SetConnectionState(s)

	m.listenersMu.Lock()
	listeners := append([]func(models.ConnectionState){}, m.listeners...)
	m.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// setState transitions and reports whether the state changed. Caller
// holds m.mu.
func (m *Manager) setStateLocked(s models.ConnectionState) bool {
	if m.state == s {
		return false
	}

	m.logger.Debug("connection state", slog.String("from", m.state.String()), slog.String("to", s.String()))
	m.state = s

	return true
}

// Connect dials and authenticates once. It is a no-op while already
// connecting or connected. On failure the state returns to disconnected
// and the error is returned; Run handles retries.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != models.Disconnected {
		m.mu.Unlock()
		return nil
	}

	m.setStateLocked(models.Connecting)
	m.mu.Unlock()
	m.notify(models.Connecting)

	m.logger.Debug("connecting", slog.String("url", m.cfg.URL))

	conn, err := m.dial(ctx)
	if err == nil {
		err = m.handshake(ctx, conn)
	}

	if err != nil {
		m.mu.Lock()
		m.setStateLocked(models.Disconnected)
		m.mu.Unlock()
		m.notify(models.Disconnected)

		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	sess := &session{conn: conn, cancel: cancel, lost: make(chan error, 1)}

	m.mu.Lock()
	m.sess = sess
	m.setStateLocked(models.Connected)
	m.mu.Unlock()

	m.touchLastMessage()

	go m.readLoop(connCtx, sess)
	go m.heartbeat(connCtx, sess)

	m.logger.Info("connected", slog.String("url", m.cfg.URL), slog.String("codec", m.cfg.Codec.Name()))
	m.notify(models.Connected)

	return nil
}

// handshake sends the auth frame and waits for the server's verdict.
func (m *Manager) handshake(ctx context.Context, conn wsConn) error {
	conn.SetReadLimit(wsReadLimit)

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	auth := authFrame{Op: opAuth, Token: m.cfg.Token, Device: m.cfg.Device}
	if err := m.writeConn(hctx, conn, auth); err != nil {
		conn.Close(websocket.StatusInternalError, "auth failed")
		return fmt.Errorf("sending auth: %w", err)
	}

	_, data, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading auth response: %w", err)
	}

	var resp authResponse
	if err := m.cfg.Codec.Decode(data, &resp); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad auth response")
		return fmt.Errorf("decoding auth response: %w", err)
	}

	if resp.Op != opAuth || resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("%w: %s", chaterrors.ErrAuthRejected, msg)
	}

	return nil
}

// Run keeps the connection up until ctx is cancelled or Disconnect is
// called. Failed connects and dropped connections are retried with
// exponential backoff plus jitter. Returns an error only when the server
// rejects authentication.
func (m *Manager) Run(ctx context.Context) error {
	stop := make(chan struct{})

	m.mu.Lock()
	m.stop = stop
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.stop == stop {
			m.stop = nil
		}
		m.mu.Unlock()
	}()

	backoff := m.cfg.ReconnectMin

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if err := m.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				m.teardown()
				return nil
			}

			if errors.Is(err, chaterrors.ErrAuthRejected) {
				return fmt.Errorf("permanent connect error: %w", err)
			}

			m.logger.Warn("connect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			if !m.sleep(ctx, stop, backoff) {
				m.teardown()
				return nil
			}

			m.cfg.Metrics.Reconnect()
			backoff = min(backoff*reconnectBackoffMultiplier, m.cfg.ReconnectMax)

			continue
		}

		sess := m.current()
		if sess == nil {
			// Another Connect is in flight.
			if !m.sleep(ctx, stop, m.cfg.ReconnectMin) {
				m.teardown()
				return nil
			}

			continue
		}

		backoff = m.cfg.ReconnectMin

		select {
		case <-ctx.Done():
			m.teardown()
			return nil
		case <-stop:
			return nil
		case err := <-sess.lost:
			if err == nil {
				continue
			}

			m.logger.Warn("connection lost, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
		}

		if !m.sleep(ctx, stop, backoff) {
			m.teardown()
			return nil
		}

		m.cfg.Metrics.Reconnect()
	}
}

// sleep waits for d plus jitter. Returns false if ctx ended or stop was
// closed first.
func (m *Manager) sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	var jitter time.Duration
	if d >= jitterDivisor {
		jitter = time.Duration(rand.Int64N(int64(d) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
	}

	timer := time.NewTimer(d + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

// Disconnect tears down the connection, clears every subscription and
// stops Run from reconnecting. Safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.mu.Unlock()

	m.teardown()
}

func (m *Manager) teardown() {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	changed := m.setStateLocked(models.Disconnected)
	m.mu.Unlock()

	m.clearHandlers()

	if sess != nil {
		sess.conn.Close(websocket.StatusNormalClosure, "bye")
		sess.end(nil)
	}

	if changed {
		m.logger.Info("disconnected")
		m.notify(models.Disconnected)
	}
}

// drop ends sess after a read, write or heartbeat failure. A no-op if
// sess is no longer current.
func (m *Manager) drop(sess *session, err error) {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return
	}

	m.sess = nil
	m.setStateLocked(models.Disconnected)
	m.mu.Unlock()

	// The server forgets subscriptions with the connection.
	m.clearHandlers()

	sess.conn.Close(websocket.StatusGoingAway, "dropped")
	sess.end(err)

	m.notify(models.Disconnected)
}

func (m *Manager) current() *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sess
}

// connected returns the live session or ErrNotConnected.
func (m *Manager) connected() (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != models.Connected || m.sess == nil {
		return nil, chaterrors.ErrNotConnected
	}

	return m.sess, nil
}

// --- Publish / subscribe ---

// Publish sends text to roomID. Fails fast with ErrNotConnected when the
// connection is not up; nothing is queued. A write failure drops the
// connection so Run reconnects.
func (m *Manager) Publish(ctx context.Context, roomID, clientID, text string) error {
	sess, err := m.connected()
	if err != nil {
		return fmt.Errorf("publishing to room %s: %w", roomID, err)
	}

	frame := publishFrame{Op: opPublish, Room: roomID, ClientID: clientID, Text: text}
	if err := m.write(ctx, sess, frame); err != nil {
		return fmt.Errorf("publishing to room %s: %w", roomID, err)
	}

	return nil
}

// Subscribe routes pushes for roomID to h, replacing any previous handler
// for that room. When connected the server is told; when not, only the
// local handler is registered and the caller re-subscribes after
// reconnect.
func (m *Manager) Subscribe(ctx context.Context, roomID string, h Handler) error {
	m.handlersMu.Lock()
	m.handlers[roomID] = h
	m.handlersMu.Unlock()

	sess, err := m.connected()
	if err != nil {
		m.logger.Debug("subscribe while disconnected, deferred", slog.String("room", roomID))
		return nil
	}

	if err := m.write(ctx, sess, roomFrame{Op: opSubscribe, Room: roomID}); err != nil {
		return fmt.Errorf("%w: room %s: %w", chaterrors.ErrSubscription, roomID, err)
	}

	m.logger.Debug("subscribed", slog.String("room", roomID))

	return nil
}

// Unsubscribe removes the room's handler. Once it returns the handler is
// never invoked again.
func (m *Manager) Unsubscribe(ctx context.Context, roomID string) error {
	m.handlersMu.Lock()
	_, had := m.handlers[roomID]
	delete(m.handlers, roomID)
	m.handlersMu.Unlock()

	// Barrier: wait out any handler invocation already in progress.
	m.dispatchMu.Lock()
	m.dispatchMu.Unlock() //nolint:staticcheck // empty critical section is the barrier

	if !had {
		return nil
	}

	sess, err := m.connected()
	if err != nil {
		return nil
	}

	if err := m.write(ctx, sess, roomFrame{Op: opUnsubscribe, Room: roomID}); err != nil {
		return fmt.Errorf("unsubscribing room %s: %w", roomID, err)
	}

	m.logger.Debug("unsubscribed", slog.String("room", roomID))

	return nil
}

// SetFallback sets the handler for pushes addressed to rooms without a
// subscription (the room-list channel).
func (m *Manager) SetFallback(h Handler) {
	m.handlersMu.Lock()
	m.fallback = h
	m.handlersMu.Unlock()
}

// Subscribed reports whether roomID currently has a handler.
func (m *Manager) Subscribed(roomID string) bool {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	_, ok := m.handlers[roomID]

	return ok
}

func (m *Manager) clearHandlers() {
	m.handlersMu.Lock()
	clear(m.handlers)
	m.handlersMu.Unlock()
}

// MarkRead tells the server the room has been read up to now.
func (m *Manager) MarkRead(ctx context.Context, roomID string) error {
	return m.sendRoomOp(ctx, opRead, roomID)
}

// EnterRoom signals presence in the room.
func (m *Manager) EnterRoom(ctx context.Context, roomID string) error {
	return m.sendRoomOp(ctx, opEnter, roomID)
}

func (m *Manager) sendRoomOp(ctx context.Context, op, roomID string) error {
	sess, err := m.connected()
	if err != nil {
		return fmt.Errorf("%s room %s: %w", op, roomID, err)
	}

	if err := m.write(ctx, sess, roomFrame{Op: op, Room: roomID}); err != nil {
		return fmt.Errorf("%s room %s: %w", op, roomID, err)
	}

	return nil
}

// --- Reading ---

// readLoop reads frames until the connection fails or is torn down.
func (m *Manager) readLoop(ctx context.Context, sess *session) {
	for {
		typ, data, err := sess.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.drop(sess, fmt.Errorf("reading message: %w", err))
			}

			return
		}

		m.touchLastMessage()

		if typ != m.cfg.Codec.MessageType() {
			m.logger.Debug("unexpected frame type", slog.Int("bytes", len(data)))
			continue
		}

		m.handleFrame(data)
	}
}

// handleFrame decodes one inbound frame and dispatches it.
func (m *Manager) handleFrame(data []byte) {
	op, err := m.cfg.Codec.Op(data)
	if err != nil {
		m.logger.Debug("unparseable frame", slog.Int("bytes", len(data)))
		return
	}

	switch op {
	case opPong:
		return

	case opMessage:
		var f pushFrame
		if err := m.cfg.Codec.Decode(data, &f); err != nil {
			m.logger.Warn("failed to decode push", slog.String("error", err.Error()))
			return
		}

		if f.Room == "" {
			m.logger.Warn("push without room", slog.String("id", f.ID))
			return
		}

		m.dispatch(f.toPush())

	case opError:
		var f errorFrame
		_ = m.cfg.Codec.Decode(data, &f)
		m.logger.Warn("server error", slog.String("msg", f.Msg))

	default:
		m.logger.Debug("unhandled frame", slog.String("op", op))
	}
}

// dispatch invokes the room's handler, or the fallback when the room has
// no subscription.
func (m *Manager) dispatch(p Push) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.handlersMu.Lock()
	h, ok := m.handlers[p.RoomID]
	if !ok {
		h = m.fallback
	}
	m.handlersMu.Unlock()

	if h == nil {
		m.logger.Debug("push dropped, no handler", slog.String("room", p.RoomID))
		return
	}

	h(p)
}

// heartbeat pings after pingAfter of silence and drops the connection
// after disconnectAfter.
func (m *Manager) heartbeat(ctx context.Context, sess *session) {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := m.sinceLastMessage()

			if elapsed > disconnectAfter {
				m.logger.Warn("connection timed out, closing")
				m.drop(sess, fmt.Errorf("heartbeat timeout"))

				return
			}

			if elapsed > pingAfter {
				if err := m.write(ctx, sess, opFrame{Op: opPing}); err != nil {
					return
				}
			}
		}
	}
}

// --- Writing ---

// write encodes v and sends it on sess. A failure drops the connection.
func (m *Manager) write(ctx context.Context, sess *session, v interface{}) error {
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()

	if err := m.writeConn(wctx, sess.conn, v); err != nil {
		m.drop(sess, err)
		return err
	}

	return nil
}

func (m *Manager) writeConn(ctx context.Context, conn wsConn, v interface{}) error {
	data, err := m.cfg.Codec.Encode(v)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := conn.Write(ctx, m.cfg.Codec.MessageType(), data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	return nil
}

func (m *Manager) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}

func (m *Manager) sinceLastMessage() time.Duration {
	m.lastMsgMu.Lock()
	defer m.lastMsgMu.Unlock()

	return time.Since(m.lastMessage)
}
