package history

import (
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

type apiError struct {
	Error string `json:"error"`
}

// roomJSON is a room-list row as served by the API.
type roomJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LastMessage string `json:"lastMessage"`
	LastTime    int64  `json:"lastTime"` // unix millis
	Unread      int    `json:"unread"`
}

func (r roomJSON) toModel() models.ConversationSummary {
	s := models.ConversationSummary{
		ID:                 r.ID,
		DisplayName:        r.Name,
		LastMessagePreview: r.LastMessage,
		UnreadCount:        max(r.Unread, 0),
	}

	if r.LastTime > 0 {
		s.LastMessageAt = time.UnixMilli(r.LastTime)
	}

	if s.DisplayName == "" {
		s.DisplayName = r.ID
	}

	return s
}

type roomListResponse struct {
	Rooms      []roomJSON `json:"rooms"`
	HasNext    bool       `json:"hasNext"`
	NextCursor string     `json:"nextCursor"`
}

// messageJSON is one stored message. ClientID is present when the
// message was sent by this account with a client-generated id.
type messageJSON struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId,omitempty"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	SentAt   int64  `json:"sentAt"` // unix millis
}

func (m messageJSON) toModel(roomID string) models.Message {
	msg := models.Message{
		ID: models.MessageID{
			Kind:     models.IDConfirmed,
			ServerID: m.ID,
			LocalID:  m.ClientID,
		},
		RoomID: roomID,
		Text:   m.Text,
		Sender: models.SenderCounterpart,
		SentAt: time.UnixMilli(m.SentAt),
	}

	if m.Sender == string(models.SenderSelf) {
		msg.Sender = models.SenderSelf
		msg.Delivery = models.DeliveryConfirmed
	}

	return msg
}

type messagesResponse struct {
	Messages []messageJSON `json:"messages"`
}
