package repository

import (
	"context"
	"time"

	"github.com/coachstream/service-messaging/service/models"
	"github.com/pitabwire/frame/datastore"
)

// ThreadRepository defines the interface for thread data access operations.
type ThreadRepository interface {
	datastore.BaseRepository[*models.Thread]
	GetByParticipant(ctx context.Context, userID string) ([]*models.Thread, error)
	TouchActivity(ctx context.Context, threadID string, at time.Time) error
}

// MessageRepository defines the interface for message data access operations.
type MessageRepository interface {
	datastore.BaseRepository[*models.Message]
	// CreateWithSequence persists msg with the next monotonic sequence for its
	// thread. If a message with the same (thread, idempotency key) already
	// exists, the existing row is returned and created is false.
	CreateWithSequence(ctx context.Context, msg *models.Message) (persisted *models.Message, created bool, err error)
	// GetHistory returns messages of a thread in descending sequence order.
	// beforeSequence of 0 means from the latest.
	GetHistory(ctx context.Context, threadID string, beforeSequence int64, limit int) ([]*models.Message, error)
	GetLatestSequence(ctx context.Context, threadID string) (int64, error)
	CountByThreadID(ctx context.Context, threadID string) (int64, error)
}

// ReceiptRepository defines the interface for delivery receipt data access operations.
type ReceiptRepository interface {
	datastore.BaseRepository[*models.DeliveryReceipt]
	GetByMessageAndRecipient(ctx context.Context, messageID, recipientID string) (*models.DeliveryReceipt, error)
	GetByMessageID(ctx context.Context, messageID string) ([]*models.DeliveryReceipt, error)
	// UpsertStatus records status for the (message, recipient) pair, creating
	// the receipt if absent. Regressive transitions are silently dropped.
	UpsertStatus(ctx context.Context, threadID, messageID, recipientID, status string, at time.Time) error
	// MarkReadUpTo advances every receipt of recipientID in threadID whose
	// message sequence is at or below upToSequence. Returns the message IDs
	// whose receipts actually changed.
	MarkReadUpTo(ctx context.Context, threadID, recipientID string, upToSequence int64, at time.Time) ([]string, error)
	IncrementRetry(ctx context.Context, messageID, recipientID string) error
	CountByStatus(ctx context.Context, messageID, status string) (int64, error)
}
