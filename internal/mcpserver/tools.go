// Package mcpserver registers MCP tools that expose the chat sync core.
// It adapts the core's UI-facing operations to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Chat is the part of the sync core the tools drive.
type Chat interface {
	LoadSummaries(ctx context.Context) ([]models.ConversationSummary, error)
	LoadMoreSummaries(ctx context.Context) ([]models.ConversationSummary, error)
	HasMoreSummaries() bool

	SelectConversation(ctx context.Context, roomID string) error
	CloseConversation(ctx context.Context) error
	WaitOpen(ctx context.Context) error
	OpenRoom() string
	Phase() models.ConversationPhase
	HistoryError() error

	DayGroups() []models.DayGroup
	HasMoreHistory() bool
	LoadOlderHistory(ctx context.Context) error
	RetryHistory(ctx context.Context) error

	SendMessage(ctx context.Context, text string) (models.Message, error)
	ResendMessage(ctx context.Context, localID string) (models.Message, error)
	DeleteConversation(ctx context.Context, roomID string) error

	ConnectionState() models.ConnectionState
}

// openTimeout bounds how long chat_open_conversation waits for history.
const openTimeout = 15 * time.Second

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Chat) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_conversations",
		Description: "List conversations, most recent first, with last message preview and unread count. Set more=true to fetch the next page.",
	}, listHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open_conversation",
		Description: "Open a conversation by room id. Closes any other open conversation, subscribes to live messages and loads recent history. Marks the room read.",
	}, openHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_close_conversation",
		Description: "Close the open conversation. Messages already loaded are kept.",
	}, closeHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_read_messages",
		Description: "Read the open conversation grouped by day, oldest first. Set older=true to load one more page of history first, or retry=true after a history error (history_retryable marks failures likely to clear on retry).",
	}, readHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send_message",
		Description: "Send a message to the open conversation. The message is shown as pending until the server confirms it. A message that fails is kept as failed and can be retried with chat_resend_message.",
	}, sendHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_resend_message",
		Description: "Retry a failed message in the open conversation by its local id.",
	}, resendHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_delete_conversation",
		Description: "Delete a conversation on the server and remove it from the list.",
	}, deleteHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_connection_status",
		Description: "Report the live connection state and which conversation is open.",
	}, statusHandler(c))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListInput holds parameters for chat_list_conversations.
type ListInput struct {
	More bool `json:"more,omitempty" jsonschema:"fetch the next page instead of refreshing the first"`
}

// OpenInput holds parameters for chat_open_conversation.
type OpenInput struct {
	RoomID string `json:"room_id" jsonschema:"required,room id from chat_list_conversations"`
}

// CloseInput has no parameters.
type CloseInput struct{}

// ReadInput holds parameters for chat_read_messages.
type ReadInput struct {
	Older bool `json:"older,omitempty" jsonschema:"load one more page of older history before reading"`
	Retry bool `json:"retry,omitempty" jsonschema:"retry the history fetch that last failed"`
}

// SendInput holds parameters for chat_send_message.
type SendInput struct {
	Text string `json:"text" jsonschema:"required,message text"`
}

// ResendInput holds parameters for chat_resend_message.
type ResendInput struct {
	LocalID string `json:"local_id" jsonschema:"required,local id of a failed message"`
}

// DeleteInput holds parameters for chat_delete_conversation.
type DeleteInput struct {
	RoomID string `json:"room_id" jsonschema:"required,room id to delete"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// --- Output types ---

type Conversation struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Preview       string `json:"preview,omitempty"`
	LastMessageAt string `json:"last_message_at,omitempty"`
	Unread        int    `json:"unread"`
}

type ListResult struct {
	Conversations []Conversation `json:"conversations"`
	HasMore       bool           `json:"has_more"`
}

type Message struct {
	LocalID  string `json:"local_id,omitempty"`
	ServerID string `json:"server_id,omitempty"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	SentAt   string `json:"sent_at"`
	Delivery string `json:"delivery,omitempty"`
}

type Day struct {
	Date     string    `json:"date"`
	Messages []Message `json:"messages"`
}

type ConversationState struct {
	RoomID       string `json:"room_id"`
	Phase        string `json:"phase"`
	HistoryError string `json:"history_error,omitempty"`

	// HistoryRetryable is set when the history failure looks temporary.
	HistoryRetryable bool `json:"history_retryable,omitempty"`
}

type ReadResult struct {
	RoomID           string `json:"room_id"`
	Phase            string `json:"phase"`
	HistoryError     string `json:"history_error,omitempty"`
	HistoryRetryable bool   `json:"history_retryable,omitempty"`
	Days             []Day  `json:"days"`
	HasMoreHistory   bool   `json:"has_more_history"`
}

type SendResult struct {
	Message Message `json:"message"`
	// Error is set when the message was kept as failed.
	Error string `json:"error,omitempty"`
}

type DeleteResult struct {
	Deleted string `json:"deleted"`
}

type StatusResult struct {
	Connection string `json:"connection"`
	OpenRoom   string `json:"open_room,omitempty"`
	Phase      string `json:"phase"`
}

// --- Handlers ---

func listHandler(c Chat) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		load := c.LoadSummaries
		if input.More {
			load = c.LoadMoreSummaries
		}

		sums, err := load(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &ListResult{
			Conversations: make([]Conversation, 0, len(sums)),
			HasMore:       c.HasMoreSummaries(),
		}

		for _, s := range sums {
			result.Conversations = append(result.Conversations, conversationOf(s))
		}

		return textResult(result), result, nil
	}
}

func openHandler(c Chat) mcp.ToolHandlerFor[OpenInput, *ConversationState] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input OpenInput) (*mcp.CallToolResult, *ConversationState, error) {
		if err := c.SelectConversation(ctx, input.RoomID); err != nil {
			return nil, nil, err
		}

		waitCtx, cancel := context.WithTimeout(ctx, openTimeout)
		defer cancel()

		// Timing out leaves the room opening; history keeps loading.
		if err := c.WaitOpen(waitCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}

		result := stateOf(c)

		return textResult(result), result, nil
	}
}

func closeHandler(c Chat) mcp.ToolHandlerFor[CloseInput, *ConversationState] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ CloseInput) (*mcp.CallToolResult, *ConversationState, error) {
		if err := c.CloseConversation(ctx); err != nil {
			return nil, nil, err
		}

		result := stateOf(c)

		return textResult(result), result, nil
	}
}

func readHandler(c Chat) mcp.ToolHandlerFor[ReadInput, *ReadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ReadInput) (*mcp.CallToolResult, *ReadResult, error) {
		if c.OpenRoom() == "" {
			return nil, nil, chaterrors.ErrNoOpenConversation
		}

		var fetchErr error

		switch {
		case input.Retry:
			fetchErr = c.RetryHistory(ctx)
		case input.Older:
			fetchErr = c.LoadOlderHistory(ctx)
		}

		// A failed page is reported through history_error; what is
		// already loaded is still returned.
		if fetchErr != nil && !chaterrors.IsHistoryFetch(fetchErr) {
			return nil, nil, fetchErr
		}

		groups := c.DayGroups()

		state := stateOf(c)

		result := &ReadResult{
			RoomID:           state.RoomID,
			Phase:            state.Phase,
			HistoryError:     state.HistoryError,
			HistoryRetryable: state.HistoryRetryable,
			Days:             make([]Day, 0, len(groups)),
			HasMoreHistory:   c.HasMoreHistory(),
		}

		for _, g := range groups {
			day := Day{Date: g.Date.String(), Messages: make([]Message, 0, len(g.Messages))}
			for _, m := range g.Messages {
				day.Messages = append(day.Messages, messageOf(m))
			}

			result.Days = append(result.Days, day)
		}

		return textResult(result), result, nil
	}
}

func sendHandler(c Chat) mcp.ToolHandlerFor[SendInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *SendResult, error) {
		return deliveryResult(c.SendMessage(ctx, input.Text))
	}
}

func resendHandler(c Chat) mcp.ToolHandlerFor[ResendInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ResendInput) (*mcp.CallToolResult, *SendResult, error) {
		return deliveryResult(c.ResendMessage(ctx, input.LocalID))
	}
}

// deliveryResult reports a message that was appended but failed to
// publish as a normal result carrying the error, so the caller sees the
// failed entry it can retry. Anything else is a tool error.
func deliveryResult(msg models.Message, err error) (*mcp.CallToolResult, *SendResult, error) {
	if err != nil && msg.Delivery != models.DeliveryFailed {
		return nil, nil, err
	}

	result := &SendResult{Message: messageOf(msg)}
	if err != nil {
		result.Error = err.Error()
	}

	return textResult(result), result, nil
}

func deleteHandler(c Chat) mcp.ToolHandlerFor[DeleteInput, *DeleteResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DeleteInput) (*mcp.CallToolResult, *DeleteResult, error) {
		if err := c.DeleteConversation(ctx, input.RoomID); err != nil {
			return nil, nil, err
		}

		result := &DeleteResult{Deleted: input.RoomID}

		return textResult(result), result, nil
	}
}

func statusHandler(c Chat) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := &StatusResult{
			Connection: c.ConnectionState().String(),
			OpenRoom:   c.OpenRoom(),
			Phase:      c.Phase().String(),
		}

		return textResult(result), result, nil
	}
}

func stateOf(c Chat) *ConversationState {
	s := &ConversationState{
		RoomID: c.OpenRoom(),
		Phase:  c.Phase().String(),
	}

	if err := c.HistoryError(); err != nil {
		s.HistoryError = err.Error()
		s.HistoryRetryable = chaterrors.IsRetryableHistory(err)
	}

	return s
}

func conversationOf(s models.ConversationSummary) Conversation {
	conv := Conversation{
		ID:      s.ID,
		Name:    s.DisplayName,
		Preview: s.LastMessagePreview,
		Unread:  s.UnreadCount,
	}

	if !s.LastMessageAt.IsZero() {
		conv.LastMessageAt = s.LastMessageAt.Format(time.RFC3339)
	}

	return conv
}

func messageOf(m models.Message) Message {
	return Message{
		LocalID:  m.ID.LocalID,
		ServerID: m.ID.ServerID,
		Sender:   string(m.Sender),
		Text:     m.Text,
		SentAt:   m.SentAt.Format(time.RFC3339),
		Delivery: string(m.Delivery),
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
