package models

import (
	"time"

	"github.com/pitabwire/frame/data"
)

// Thread represents a conversation scoped to a fixed participant set,
// typically a coach and one or more athletes.
type Thread struct {
	data.BaseModel
	Name           string `gorm:"type:varchar(250)"`
	LastActivityAt time.Time
	// Participants maps participant ID to per-participant preferences
	// ({"muted": bool}). Map keys give the set semantics; presence of a key
	// is membership.
	Participants data.JSONMap
}

// IsParticipant reports whether userID is a current member of the thread.
func (t *Thread) IsParticipant(userID string) bool {
	if t == nil || t.Participants == nil {
		return false
	}
	_, ok := t.Participants[userID]
	return ok
}

// ParticipantIDs returns the participant set as a slice. Order is not
// significant.
func (t *Thread) ParticipantIDs() []string {
	if t == nil {
		return nil
	}
	ids := make([]string, 0, len(t.Participants))
	for id := range t.Participants {
		ids = append(ids, id)
	}
	return ids
}

// IsMuted reports whether userID muted notifications for this thread.
func (t *Thread) IsMuted(userID string) bool {
	if t == nil || t.Participants == nil {
		return false
	}
	prefs, ok := t.Participants[userID].(map[string]any)
	if !ok {
		return false
	}
	muted, _ := prefs["muted"].(bool)
	return muted
}

// Message is a single event in a thread. Immutable once persisted; only the
// per-recipient receipts (DeliveryReceipt) mutate afterwards.
//
// IdempotencyKey is caller-supplied and unique per thread: a retried send
// with the same key resolves to the already-persisted row. Sequence is
// server-assigned at persistence time and monotonic per thread; it is the
// single ordering authority.
type Message struct {
	data.BaseModel
	ThreadID       string `gorm:"type:varchar(50);index:idx_message_thread_seq,priority:1;uniqueIndex:idx_message_thread_idem,priority:1"`
	SenderID       string `gorm:"type:varchar(50)"`
	IdempotencyKey string `gorm:"type:varchar(100);uniqueIndex:idx_message_thread_idem,priority:2"`
	Kind           string `gorm:"type:varchar(20)"`
	ReplyToID      string `gorm:"type:varchar(50)"`
	Sequence       int64  `gorm:"index:idx_message_thread_seq,priority:2"`
	Content        data.JSONMap
}

// Delivery status values for a (message, recipient) receipt.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// statusRank orders statuses for the monotonic transition rule. failed sits
// between sent and delivered so a later successful delivery supersedes it
// while a stale sent never does.
func statusRank(status string) int {
	switch status {
	case StatusSent:
		return 1
	case StatusFailed:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// StatusSupersedes reports whether newStatus may replace current on a
// receipt. Transitions only move forward: sent < delivered < read, a read
// receipt never regresses. failed is reachable only from sent and a later
// delivered supersedes it.
func StatusSupersedes(newStatus, current string) bool {
	if current == "" {
		return statusRank(newStatus) > 0
	}
	if newStatus == StatusFailed {
		return current == StatusSent
	}
	return statusRank(newStatus) > statusRank(current)
}

// DeliveryReceipt is the per-recipient delivery/read status record for one
// message. One receipt exists per (message, recipient) pair; receipts are
// created when a message is dispatched and overwritten in place, never
// deleted.
type DeliveryReceipt struct {
	data.BaseModel
	MessageID   string `gorm:"type:varchar(50);uniqueIndex:idx_receipt_message_recipient,priority:1"`
	RecipientID string `gorm:"type:varchar(50);uniqueIndex:idx_receipt_message_recipient,priority:2;index:idx_receipt_recipient_thread,priority:1"`
	ThreadID    string `gorm:"type:varchar(50);index:idx_receipt_recipient_thread,priority:2"`
	Status      string `gorm:"type:varchar(20)"`
	RetryCount  int32
	StatusAt    time.Time
}
