package business

import (
	"context"
	"time"

	"github.com/pitabwire/frame/data"

	"github.com/coachstream/service-messaging/service/models"
)

// Presence status values for a tracked user.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// PresenceRecord is the tracked state of one user.
type PresenceRecord struct {
	UserID      string
	Status      string
	LastSeen    time.Time
	Connections int
}

// PresenceChange is delivered to presence subscribers whenever a user's
// status transitions.
type PresenceChange struct {
	UserID   string
	Status   string
	LastSeen time.Time
}

// PresenceTracker maintains per-user online/away/offline state with TTL expiry.
type PresenceTracker interface {
	MarkOnline(ctx context.Context, userID, deviceTag string)
	MarkOffline(ctx context.Context, userID, deviceTag string)
	Heartbeat(ctx context.Context, userID string)
	IsOnline(userID string) bool
	Get(userID string) (PresenceRecord, bool)
	Subscribe(fn func(ctx context.Context, change PresenceChange))
	Stop()
}

// Verdict is the outcome of a rate limit check.
type Verdict struct {
	Allowed bool
	// Warned is set when the sender is in the burst band: allowed through
	// but over the soft limit.
	Warned bool
	// RetryAfter hints when a rejected sender may try again.
	RetryAfter time.Duration
}

// RateLimiter caps per-sender message throughput across all of the sender's
// sessions.
type RateLimiter interface {
	Allow(senderID string) Verdict
}

// MessageStore is the seam to the external persistence collaborator holding
// message and thread rows.
type MessageStore interface {
	// CreateMessage persists msg, assigning its per-thread sequence. A retried
	// create with the same (thread, idempotency key) returns the existing
	// message and created false.
	CreateMessage(ctx context.Context, msg *models.Message) (persisted *models.Message, created bool, err error)
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	TouchThreadActivity(ctx context.Context, threadID string, at time.Time) error
	GetHistory(ctx context.Context, threadID string, beforeSequence int64, limit int) ([]*models.Message, error)
}

// ReceiptStore is the write-through seam for delivery receipts. The delivery
// tracker keeps the authoritative in-memory ledger and pushes accepted
// transitions through this interface.
type ReceiptStore interface {
	UpsertStatus(ctx context.Context, threadID, messageID, recipientID, status string, at time.Time) error
}

// DeliveryTracker is the per-message per-recipient status ledger.
type DeliveryTracker interface {
	// RecordStatus applies the status transition for one recipient, returning
	// true when the ledger changed. Regressive transitions are no-ops.
	RecordStatus(ctx context.Context, threadID, messageID, recipientID, status string) bool
	GetStatus(messageID string) map[string]string
	IncrementRetry(messageID, recipientID string) int32
}

// Deliverer pushes outbound events to live sessions. Implemented by the
// connection gateway.
type Deliverer interface {
	// Send pushes event to every live session of userID. Returns false when
	// the user has no live session.
	Send(ctx context.Context, userID string, event *models.WireEvent) bool
}

// QueuedItem is one undelivered message awaiting a recipient's reconnect.
type QueuedItem struct {
	MessageID   string
	ThreadID    string
	RecipientID string
	Sequence    int64
	Payload     *models.WireEvent
	EnqueuedAt  time.Time
	Attempts    int
}

// OfflineQueue holds undelivered messages per recipient and replays them on
// reconnect, retrying failed sends with bounded exponential backoff.
type OfflineQueue interface {
	Enqueue(ctx context.Context, item *QueuedItem)
	// Drain attempts delivery of every queued item for the recipient, in
	// thread order.
	Drain(ctx context.Context, recipientID string)
	Pending(recipientID string) int
	Stop()
}

// PushNotification is one (recipient, payload) pair handed to the external
// push collaborator.
type PushNotification struct {
	RecipientID string       `json:"recipientId"`
	Title       string       `json:"title"`
	Body        string       `json:"body"`
	Data        data.JSONMap `json:"data"`
	Priority    string       `json:"priority"`
}

// PushProvider is the external push-notification collaborator. It accepts a
// batch and reports per-recipient success/failure.
type PushProvider interface {
	SendBatch(ctx context.Context, batch []*PushNotification) (delivered []string, failed []string, err error)
}

// FanoutResult summarises one notification fan-out.
type FanoutResult struct {
	Delivered []string
	Failed    []string
}

// NotificationFanout dispatches push notifications to offline recipients.
type NotificationFanout interface {
	NotifyOffline(ctx context.Context, msg *models.Message, thread *models.Thread, recipients []string) error
}

// SendCommand carries one inbound message send through the pipeline.
type SendCommand struct {
	ThreadID       string
	SenderID       string
	Kind           string
	Content        data.JSONMap
	IdempotencyKey string
	ReplyTo        string
}

// MessagePipeline orchestrates validation, persistence, recipient resolution,
// delivery and notification triggering.
type MessagePipeline interface {
	SendMessage(ctx context.Context, cmd SendCommand) (*models.Message, error)
	MarkRead(ctx context.Context, threadID, messageID, readerID string) error
	Typing(ctx context.Context, threadID, userID string, isTyping bool) error
	// AckDelivered records a client delivery acknowledgment for ack-based
	// delivery receipts.
	AckDelivered(ctx context.Context, messageID, recipientID string) error
	// Stop releases pipeline timers.
	Stop()
}
