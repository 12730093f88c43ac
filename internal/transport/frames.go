package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame ops.
const (
	opAuth        = "auth"
	opPing        = "ping"
	opPong        = "pong"
	opPublish     = "publish"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opRead        = "read"
	opEnter       = "enter"
	opMessage     = "message"
	opError       = "error"
)

type authFrame struct {
	Op     string `json:"op" msgpack:"op"`
	Token  string `json:"token" msgpack:"token"`
	Device string `json:"device,omitempty" msgpack:"device,omitempty"`
}

type authResponse struct {
	Op  string `json:"op" msgpack:"op"`
	Res string `json:"res" msgpack:"res"`
	Msg string `json:"msg,omitempty" msgpack:"msg,omitempty"`
}

type opFrame struct {
	Op string `json:"op" msgpack:"op"`
}

// roomFrame carries subscribe, unsubscribe, read and enter requests.
type roomFrame struct {
	Op   string `json:"op" msgpack:"op"`
	Room string `json:"room" msgpack:"room"`
}

type publishFrame struct {
	Op       string `json:"op" msgpack:"op"`
	Room     string `json:"room" msgpack:"room"`
	ClientID string `json:"clientId,omitempty" msgpack:"clientId,omitempty"`
	Text     string `json:"text" msgpack:"text"`
}

// pushFrame is an inbound message event. ClientID is echoed back only
// for messages this account sent with one.
type pushFrame struct {
	Op       string `json:"op" msgpack:"op"`
	Room     string `json:"room" msgpack:"room"`
	ID       string `json:"id" msgpack:"id"`
	ClientID string `json:"clientId,omitempty" msgpack:"clientId,omitempty"`
	Sender   string `json:"sender" msgpack:"sender"`
	Text     string `json:"text" msgpack:"text"`
	SentAt   int64  `json:"sentAt" msgpack:"sentAt"` // unix millis
}

type errorFrame struct {
	Op  string `json:"op" msgpack:"op"`
	Msg string `json:"msg" msgpack:"msg"`
}

// Push is an inbound message event addressed to one room.
type Push struct {
	RoomID   string
	ServerID string
	ClientID string
	Sender   models.Sender
	Text     string
	SentAt   time.Time
}

// Message converts the push to a confirmed store message.
func (p Push) Message() models.Message {
	m := models.Message{
		ID: models.MessageID{
			Kind:     models.IDConfirmed,
			ServerID: p.ServerID,
			LocalID:  p.ClientID,
		},
		RoomID: p.RoomID,
		Text:   p.Text,
		Sender: p.Sender,
		SentAt: p.SentAt,
	}

	if p.Sender == models.SenderSelf {
		m.Delivery = models.DeliveryConfirmed
	}

	return m
}

func (f pushFrame) toPush() Push {
	p := Push{
		RoomID:   f.Room,
		ServerID: f.ID,
		ClientID: f.ClientID,
		Sender:   models.SenderCounterpart,
		Text:     f.Text,
		SentAt:   time.UnixMilli(f.SentAt),
	}

	if f.Sender == string(models.SenderSelf) {
		p.Sender = models.SenderSelf
	}

	if f.SentAt == 0 {
		p.SentAt = time.Now()
	}

	return p
}

// Codec encodes outbound frames and decodes inbound ones.
type Codec interface {
	Name() string
	MessageType() websocket.MessageType
	Encode(v interface{}) ([]byte, error)
	// Op returns the frame's op without fully decoding it.
	Op(data []byte) (string, error)
	Decode(data []byte, v interface{}) error
}

// CodecByName returns the codec for "json" (default) or "msgpack".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	}

	return nil, fmt.Errorf("unknown wire codec %q", name)
}

// JSONCodec sends text frames.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) MessageType() websocket.MessageType { return websocket.MessageText }

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling frame: %w", err)
	}

	return data, nil
}

func (JSONCodec) Op(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("invalid JSON frame")
	}

	return gjson.GetBytes(data, "op").Str, nil
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// MsgpackCodec sends binary frames.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string                       { return "msgpack" }
func (MsgpackCodec) MessageType() websocket.MessageType { return websocket.MessageBinary }

func (MsgpackCodec) Encode(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}

	return data, nil
}

func (MsgpackCodec) Op(data []byte) (string, error) {
	var f opFrame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("decoding frame op: %w", err)
	}

	return f.Op, nil
}

func (MsgpackCodec) Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
