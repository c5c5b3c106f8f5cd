package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/workerpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coachstream/service-messaging/service/models"
)

type receiptRepository struct {
	datastore.BaseRepository[*models.DeliveryReceipt]
}

// GetByMessageAndRecipient retrieves the receipt for one (message, recipient) pair.
func (rr *receiptRepository) GetByMessageAndRecipient(
	ctx context.Context,
	messageID, recipientID string,
) (*models.DeliveryReceipt, error) {
	receipt := &models.DeliveryReceipt{}
	err := rr.Pool().DB(ctx, true).
		Where("message_id = ? AND recipient_id = ?", messageID, recipientID).
		First(receipt).Error
	return receipt, err
}

// GetByMessageID retrieves all recipient receipts of a message.
func (rr *receiptRepository) GetByMessageID(
	ctx context.Context,
	messageID string,
) ([]*models.DeliveryReceipt, error) {
	var receipts []*models.DeliveryReceipt
	err := rr.Pool().DB(ctx, true).
		Where("message_id = ?", messageID).
		Find(&receipts).Error
	return receipts, err
}

// UpsertStatus records status for the (message, recipient) pair. The receipt
// row is locked so concurrent status updates serialise, and transitions that
// do not supersede the stored status are dropped without error.
func (rr *receiptRepository) UpsertStatus(
	ctx context.Context,
	threadID, messageID, recipientID, status string,
	at time.Time,
) error {
	return rr.Pool().DB(ctx, false).Transaction(func(tx *gorm.DB) error {
		receipt := &models.DeliveryReceipt{}
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("message_id = ? AND recipient_id = ?", messageID, recipientID).
			First(receipt).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			receipt = &models.DeliveryReceipt{
				MessageID:   messageID,
				RecipientID: recipientID,
				ThreadID:    threadID,
				Status:      status,
				StatusAt:    at,
			}
			receipt.GenID(ctx)
			return tx.Create(receipt).Error
		}
		if err != nil {
			return fmt.Errorf("failed to load receipt: %w", err)
		}

		if !models.StatusSupersedes(status, receipt.Status) {
			return nil
		}

		return tx.Model(receipt).
			Updates(map[string]any{"status": status, "status_at": at}).Error
	})
}

// MarkReadUpTo advances receipts of recipientID in threadID to read for every
// message with sequence at or below upToSequence. Only receipts whose status
// read would supersede are touched. Returns the affected message IDs.
func (rr *receiptRepository) MarkReadUpTo(
	ctx context.Context,
	threadID, recipientID string,
	upToSequence int64,
	at time.Time,
) ([]string, error) {
	var messageIDs []string

	err := rr.Pool().DB(ctx, false).Transaction(func(tx *gorm.DB) error {
		inner := tx.Model(&models.Message{}).
			Select("id").
			Where("thread_id = ? AND sequence <= ?", threadID, upToSequence)

		findErr := tx.Model(&models.DeliveryReceipt{}).
			Where("recipient_id = ? AND thread_id = ?", recipientID, threadID).
			Where("message_id IN (?)", inner).
			Where("status <> ?", models.StatusRead).
			Pluck("message_id", &messageIDs).Error
		if findErr != nil {
			return fmt.Errorf("failed to collect unread receipts: %w", findErr)
		}

		if len(messageIDs) == 0 {
			return nil
		}

		return tx.Model(&models.DeliveryReceipt{}).
			Where("recipient_id = ? AND message_id IN ?", recipientID, messageIDs).
			Updates(map[string]any{"status": models.StatusRead, "status_at": at}).Error
	})

	return messageIDs, err
}

// IncrementRetry bumps the retry counter on a receipt after a failed delivery attempt.
func (rr *receiptRepository) IncrementRetry(ctx context.Context, messageID, recipientID string) error {
	return rr.Pool().DB(ctx, false).
		Model(&models.DeliveryReceipt{}).
		Where("message_id = ? AND recipient_id = ?", messageID, recipientID).
		Update("retry_count", gorm.Expr("retry_count + 1")).Error
}

// CountByStatus counts receipts of a message in the given status.
func (rr *receiptRepository) CountByStatus(ctx context.Context, messageID, status string) (int64, error) {
	var count int64
	err := rr.Pool().DB(ctx, true).
		Model(&models.DeliveryReceipt{}).
		Where("message_id = ? AND status = ?", messageID, status).
		Count(&count).Error
	return count, err
}

// NewReceiptRepository creates a new delivery receipt repository instance.
func NewReceiptRepository(ctx context.Context, dbPool pool.Pool, workMan workerpool.Manager) ReceiptRepository {
	return &receiptRepository{
		BaseRepository: datastore.NewBaseRepository[*models.DeliveryReceipt](
			ctx, dbPool, workMan, func() *models.DeliveryReceipt { return &models.DeliveryReceipt{} },
		),
	}
}
