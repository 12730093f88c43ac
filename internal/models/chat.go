// Package models defines types shared across internal packages.
package models

import (
	"time"
)

// Sender identifies who authored a message relative to this client.
type Sender string

const (
	SenderSelf        Sender = "self"
	SenderCounterpart Sender = "counterpart"
)

// DeliveryState tracks a self-sent message through publish and echo.
// Counterpart messages leave it empty.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// IDKind distinguishes a client-generated id from a server-assigned one.
type IDKind int

const (
	IDProvisional IDKind = iota
	IDConfirmed
)

// MessageID is the identity of a message. A provisional id carries only
// the client-generated LocalID; once the server echo is reconciled the id
// becomes confirmed and carries ServerID. LocalID survives confirmation so
// a duplicate echo can still be matched to the same entry.
type MessageID struct {
	Kind     IDKind `json:"kind"`
	LocalID  string `json:"local_id,omitempty"`
	ServerID string `json:"server_id,omitempty"`
}

// Provisional returns an unconfirmed id for a locally originated message.
func Provisional(localID string) MessageID {
	return MessageID{Kind: IDProvisional, LocalID: localID}
}

// Confirmed returns a server-assigned id.
func Confirmed(serverID string) MessageID {
	return MessageID{Kind: IDConfirmed, ServerID: serverID}
}

// Key is the deduplication key within a conversation.
func (id MessageID) Key() string {
	if id.Kind == IDConfirmed {
		return "s:" + id.ServerID
	}

	return "l:" + id.LocalID
}

// IsProvisional reports whether the server has not yet acknowledged the id.
func (id MessageID) IsProvisional() bool {
	return id.Kind == IDProvisional
}

// Message is one entry of a conversation. SentAt is the ordering key.
type Message struct {
	ID       MessageID     `json:"id"`
	RoomID   string        `json:"room_id"`
	Text     string        `json:"text"`
	Sender   Sender        `json:"sender"`
	SentAt   time.Time     `json:"sent_at"`
	Delivery DeliveryState `json:"delivery,omitempty"`
}

// ConversationSummary is the list-view row for one room.
type ConversationSummary struct {
	ID                 string    `json:"id"`
	DisplayName        string    `json:"display_name"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int       `json:"unread_count"`
}

// RoomPage is one cursor-paginated page of the room list.
type RoomPage struct {
	Rooms      []ConversationSummary `json:"rooms"`
	HasNext    bool                  `json:"has_next"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// Date is a calendar day in some location.
type Date struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
	Day   int        `json:"day"`
}

// DateOf returns the calendar day of t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	y, m, d := t.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// Before reports whether d is an earlier day than o.
func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}

	if d.Month != o.Month {
		return d.Month < o.Month
	}

	return d.Day < o.Day
}

func (d Date) String() string {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Format(time.DateOnly)
}

// DayGroup is the messages of one calendar day, ascending by SentAt.
type DayGroup struct {
	Date     Date      `json:"date"`
	Messages []Message `json:"messages"`
}
