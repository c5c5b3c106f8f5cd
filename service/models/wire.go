package models

import (
	"encoding/json"
	"time"

	"github.com/pitabwire/frame/data"
)

// Wire event types exchanged over the duplex client channel.
const (
	EventTypeMessage      = "message"
	EventTypeMessageAck   = "message.ack"
	EventTypeDelivered    = "delivered"
	EventTypeTyping       = "typing"
	EventTypeRead         = "read"
	EventTypePresence     = "presence"
	EventTypeNotification = "notification"
	EventTypeError        = "error"
	EventTypeConnected    = "connected"
)

// WireEvent is the envelope for every inbound and outbound event. Data is a
// type-discriminated JSON payload.
type WireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event data into the payload struct for its type.
func (e *WireEvent) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// NewWireEvent builds an envelope around a typed payload.
func NewWireEvent(eventType string, payload any) (*WireEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &WireEvent{Type: eventType, Data: raw}, nil
}

// MessageIn is the inbound message event payload.
type MessageIn struct {
	IdempotencyKey string       `json:"idempotencyKey"`
	ThreadID       string       `json:"threadId"`
	Kind           string       `json:"kind"`
	Content        data.JSONMap `json:"content"`
	ReplyTo        string       `json:"replyTo,omitempty"`
}

// TypingIn is the inbound typing event payload.
type TypingIn struct {
	ThreadID string `json:"threadId"`
	IsTyping bool   `json:"isTyping"`
}

// ReadIn is the inbound read event payload.
type ReadIn struct {
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId"`
}

// DeliveredIn is the inbound delivery acknowledgment payload, sent by
// clients when the transport is configured for ack-based delivery receipts.
type DeliveredIn struct {
	MessageID string `json:"messageId"`
}

// MessageAckOut acknowledges an accepted message back to its sender.
type MessageAckOut struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Sequence  int64  `json:"sequence"`
}

// MessageOut is the outbound message payload pushed to recipients.
type MessageOut struct {
	MessageID string       `json:"messageId"`
	ThreadID  string       `json:"threadId"`
	SenderID  string       `json:"senderId"`
	Kind      string       `json:"kind"`
	Content   data.JSONMap `json:"content"`
	ReplyTo   string       `json:"replyTo,omitempty"`
	Sequence  int64        `json:"sequence"`
	SentAt    time.Time    `json:"sentAt"`
}

// TypingOut is the outbound typing broadcast payload.
type TypingOut struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ReadOut is the outbound read broadcast payload.
type ReadOut struct {
	MessageID string    `json:"messageId"`
	ThreadID  string    `json:"threadId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceOut is the outbound presence broadcast payload.
type PresenceOut struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// NotificationOut is the outbound push-eligible notification payload.
type NotificationOut struct {
	NotificationType string       `json:"type"`
	Data             data.JSONMap `json:"data"`
	Recipients       []string     `json:"recipients"`
	Priority         string       `json:"priority"`
}

// ErrorOut is the outbound error payload. RetryAfterMs is set on rate limit
// rejections to hint when the sender's window resets.
type ErrorOut struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// WireMessage converts a persisted message to its outbound wire payload.
func WireMessage(m *Message) *MessageOut {
	return &MessageOut{
		MessageID: m.GetID(),
		ThreadID:  m.ThreadID,
		SenderID:  m.SenderID,
		Kind:      m.Kind,
		Content:   m.Content,
		ReplyTo:   m.ReplyToID,
		Sequence:  m.Sequence,
		SentAt:    m.CreatedAt,
	}
}
