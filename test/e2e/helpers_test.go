package e2e_test

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chatsync"
	"github.com/alexjbarnes/chat-sync/internal/history"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/transport"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

const (
	chatToken = "e2e-chat-token"

	roomPageSize    = 2
	historyPageSize = 3

	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// --- In-process chat server ---

// chatServer plays the remote chat service: a live channel on /ws and
// the REST history API on /rooms. Every message is pushed to every
// connection of the account, subscribed or not.
type chatServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	rooms  map[string]*chatRoom
	conns  map[*websocket.Conn]struct{}
	seen   []string // "op:room" for each frame received after auth
	nextID int
	down   bool
}

type chatRoom struct {
	id       string
	name     string
	messages []wireMessage // oldest first
	unread   int
}

type wireMessage struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId,omitempty"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	SentAt   int64  `json:"sentAt"`
}

type wireRoom struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LastMessage string `json:"lastMessage"`
	LastTime    int64  `json:"lastTime"`
	Unread      int    `json:"unread"`
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()

	s := &chatServer{
		rooms: make(map[string]*chatRoom),
		conns: make(map[*websocket.Conn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("GET /rooms", s.requireToken(s.listRooms))
	mux.HandleFunc("GET /rooms/{id}/messages", s.requireToken(s.listMessages))
	mux.HandleFunc("DELETE /rooms/{id}", s.requireToken(s.deleteRoom))

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)

	return s
}

func (s *chatServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// addRoom creates a room holding the given counterpart messages, the
// oldest first, spaced a minute apart and ending at last.
func (s *chatServer) addRoom(id, name string, last time.Time, texts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &chatRoom{id: id, name: name}
	s.rooms[id] = r

	for i, text := range texts {
		at := last.Add(-time.Duration(len(texts)-1-i) * time.Minute)
		r.messages = append(r.messages, s.newMessageLocked("counterpart", "", text, at))
	}
}

func (s *chatServer) newMessageLocked(sender, clientID, text string, at time.Time) wireMessage {
	s.nextID++

	return wireMessage{
		ID:       "srv-" + strconv.Itoa(s.nextID),
		ClientID: clientID,
		Sender:   sender,
		Text:     text,
		SentAt:   at.UnixMilli(),
	}
}

// appendLocked stores a message, creating the room if it is new.
func (s *chatServer) appendLocked(roomID, sender, clientID, text string) wireMessage {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &chatRoom{id: roomID, name: roomID}
		s.rooms[roomID] = r
	}

	msg := s.newMessageLocked(sender, clientID, text, time.Now())
	r.messages = append(r.messages, msg)

	if sender == "counterpart" {
		r.unread++
	}

	return msg
}

// deliver stores a counterpart message and pushes it.
func (s *chatServer) deliver(roomID, text string) {
	s.mu.Lock()
	msg := s.appendLocked(roomID, "counterpart", "", text)
	s.mu.Unlock()

	s.broadcast(roomID, msg)
}

// store saves a counterpart message without pushing it, as if it
// arrived while the client was away.
func (s *chatServer) store(roomID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(roomID, "counterpart", "", text)
}

func (s *chatServer) broadcast(roomID string, msg wireMessage) {
	frame := map[string]any{
		"op":     "message",
		"room":   roomID,
		"id":     msg.ID,
		"sender": msg.Sender,
		"text":   msg.Text,
		"sentAt": msg.SentAt,
	}

	if msg.ClientID != "" {
		frame["clientId"] = msg.ClientID
	}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		_ = writeJSON(ctx, c, frame)
		cancel()
	}
}

// setDown makes the live channel refuse new connections and drops the
// current ones.
func (s *chatServer) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()

	if down {
		s.dropAll()
	}
}

// dropAll closes every live connection without a close handshake.
func (s *chatServer) dropAll() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseNow()
	}
}

// count reports how many op frames for room the server received.
func (s *chatServer) count(op, room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, entry := range s.seen {
		if entry == op+":"+room {
			n++
		}
	}

	return n
}

func (s *chatServer) hasRoom(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.rooms[id]

	return ok
}

func (s *chatServer) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()

	if down {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}

	if gjson.GetBytes(data, "op").String() != "auth" || gjson.GetBytes(data, "token").String() != chatToken {
		_ = writeJSON(ctx, conn, map[string]string{"op": "auth", "res": "denied", "msg": "bad token"})
		return
	}

	// Registered before the ok so a push sent right after the client
	// sees itself connected is not missed.
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	if err := writeJSON(ctx, conn, map[string]string{"op": "auth", "res": "ok"}); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		frame := gjson.ParseBytes(data)
		op := frame.Get("op").String()
		room := frame.Get("room").String()

		s.mu.Lock()
		s.seen = append(s.seen, op+":"+room)
		s.mu.Unlock()

		switch op {
		case "ping":
			_ = writeJSON(ctx, conn, map[string]string{"op": "pong"})

		case "publish":
			s.mu.Lock()
			msg := s.appendLocked(room, "self", frame.Get("clientId").String(), frame.Get("text").String())
			s.mu.Unlock()

			s.broadcast(room, msg)

		case "read":
			s.mu.Lock()
			if r, ok := s.rooms[room]; ok {
				r.unread = 0
			}
			s.mu.Unlock()
		}
	}
}

func (s *chatServer) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+chatToken {
			writeAPI(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next(w, r)
	}
}

func (s *chatServer) listRooms(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("cursor"))

	s.mu.Lock()
	rows := make([]wireRoom, 0, len(s.rooms))
	for _, room := range s.rooms {
		row := wireRoom{ID: room.id, Name: room.name, Unread: room.unread}
		if n := len(room.messages); n > 0 {
			row.LastMessage = room.messages[n-1].Text
			row.LastTime = room.messages[n-1].SentAt
		}

		rows = append(rows, row)
	}
	s.mu.Unlock()

	slices.SortFunc(rows, func(a, b wireRoom) int {
		if c := cmp.Compare(b.LastTime, a.LastTime); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	end := min(offset+limit, len(rows))
	offset = min(offset, end)

	resp := map[string]any{"rooms": rows[offset:end], "hasNext": end < len(rows)}
	if end < len(rows) {
		resp["nextCursor"] = strconv.Itoa(end)
	}

	writeAPI(w, http.StatusOK, resp)
}

// listMessages serves newest-first pages.
func (s *chatServer) listMessages(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	s.mu.Lock()
	room, ok := s.rooms[r.PathValue("id")]

	var msgs []wireMessage
	if ok {
		msgs = slices.Clone(room.messages)
	}
	s.mu.Unlock()

	if !ok {
		writeAPI(w, http.StatusNotFound, map[string]string{"error": "no such room"})
		return
	}

	slices.Reverse(msgs)

	start := min(page*size, len(msgs))
	end := min(start+size, len(msgs))

	writeAPI(w, http.StatusOK, map[string]any{"messages": msgs[start:end]})
}

func (s *chatServer) deleteRoom(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delete(s.rooms, r.PathValue("id"))
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

func writeAPI(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// --- Client stack ---

// harness holds the full e2e stack: the chat server above, the real
// transport, history client and sync core talking to it, and the
// operator HTTP surface in front of the core.
type harness struct {
	URL    string
	Key    string
	Chat   *chatServer
	Core   *chatsync.Core
	Client *http.Client

	// connects counts connected events the core has applied.
	connects atomic.Int32
}

// newHarness seeds three rooms, starts the sync stack against the chat
// server and waits for the live channel to come up.
func newHarness(t *testing.T) *harness {
	t.Helper()

	chat := newChatServer(t)

	now := time.Now()
	chat.addRoom("alice", "Alice", now.Add(-time.Minute), "a1", "a2", "a3", "a4")
	chat.addRoom("bob", "Bob", now.Add(-time.Hour), "b1")
	chat.addRoom("carol", "Carol", now.Add(-2*time.Hour), "c1")

	logger := slog.New(slog.DiscardHandler)

	codec, err := transport.CodecByName("json")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	conn := transport.New(transport.Config{
		URL:          chat.wsURL(),
		Token:        chatToken,
		Device:       "e2e",
		Codec:        codec,
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
		Metrics:      m,
	}, logger)

	hist := history.NewClient(chat.srv.URL, chatToken, chat.srv.Client())

	core := chatsync.New(chatsync.Config{
		RoomPageSize:    roomPageSize,
		HistoryPageSize: historyPageSize,
		EchoTolerance:   2 * time.Minute,
		Metrics:         m,
	}, conn, hist, logger)

	h := &harness{Chat: chat, Core: core}

	events, stopEvents := core.Subscribe()
	t.Cleanup(stopEvents)

	go func() {
		for ev := range events {
			if ev.Kind == chatsync.EventConnection && ev.State == models.Connected {
				h.connects.Add(1)
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return core.Run(gctx) })
	g.Go(func() error { return conn.Run(gctx) })

	t.Cleanup(func() {
		cancel()
		require.NoError(t, g.Wait())
	})

	key := auth.GenerateKey()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, core)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys:       auth.NewKeyStore([]auth.Key{{Name: "e2e", Hash: string(hash)}}),
		MCPHandler: mcpHandler,
		Gatherer:   reg,
		Status:     core,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	h.URL = ts.URL
	h.Key = key
	h.Client = ts.Client()

	h.waitConnected(t, 1)

	return h
}

// waitConnected blocks until the core has applied the n-th connect, so
// the connect side effects cannot interleave with what the test does
// next.
func (h *harness) waitConnected(t *testing.T, n int32) {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.connects.Load() >= n && h.Core.ConnectionState() == models.Connected
	}, waitFor, tick, "live channel never connected")
}

// messages returns the open room's messages.
func (h *harness) messages() []models.Message {
	return h.Core.Messages()
}

// countText counts the open room's messages with the given text.
func (h *harness) countText(text string) int {
	n := 0

	for _, m := range h.messages() {
		if m.Text == text {
			n++
		}
	}

	return n
}

// mcpSession creates an MCP client session authenticated with the
// harness API key. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	clientTransport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: h.Key,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool invokes a tool and decodes its JSON text content into dest.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s failed: %s", name, extractTextContent(t, result))

	if dest != nil {
		require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), dest))
	}
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}
