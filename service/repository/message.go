package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/workerpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coachstream/service-messaging/service/models"
)

type messageRepository struct {
	datastore.BaseRepository[*models.Message]
}

// CreateWithSequence persists msg under the next monotonic sequence for its
// thread. The thread row is locked for the duration of the transaction so
// concurrent sends serialise and sequences stay gapless. A duplicate
// idempotency key resolves to the already-persisted message without writing.
func (mr *messageRepository) CreateWithSequence(
	ctx context.Context,
	msg *models.Message,
) (*models.Message, bool, error) {
	created := false
	persisted := msg

	err := mr.Pool().DB(ctx, false).Transaction(func(tx *gorm.DB) error {
		// Lock the thread row to prevent concurrent sequence generation
		var thread models.Thread
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", msg.ThreadID).
			First(&thread).Error; err != nil {
			return fmt.Errorf("failed to lock thread: %w", err)
		}

		existing := &models.Message{}
		err := tx.Where("thread_id = ? AND idempotency_key = ?", msg.ThreadID, msg.IdempotencyKey).
			First(existing).Error
		if err == nil {
			persisted = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check idempotency key: %w", err)
		}

		var maxSequence int64
		result := tx.Model(&models.Message{}).
			Where("thread_id = ?", msg.ThreadID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxSequence)
		if result.Error != nil {
			return fmt.Errorf("failed to get max sequence: %w", result.Error)
		}

		msg.Sequence = maxSequence + 1
		if err = tx.Create(msg).Error; err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}

		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return persisted, created, nil
}

// GetHistory retrieves thread messages newest first.
// beforeSequence of 0 starts from the latest message.
func (mr *messageRepository) GetHistory(
	ctx context.Context,
	threadID string,
	beforeSequence int64,
	limit int,
) ([]*models.Message, error) {
	var messages []*models.Message
	query := mr.Pool().DB(ctx, true).Where("thread_id = ?", threadID)

	if beforeSequence > 0 {
		query = query.Where("sequence < ?", beforeSequence)
	}

	query = query.Order("sequence DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Find(&messages).Error
	return messages, err
}

// GetLatestSequence retrieves the highest assigned sequence for a thread.
func (mr *messageRepository) GetLatestSequence(ctx context.Context, threadID string) (int64, error) {
	var maxSequence int64
	err := mr.Pool().DB(ctx, true).
		Model(&models.Message{}).
		Where("thread_id = ?", threadID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&maxSequence).Error
	return maxSequence, err
}

// CountByThreadID counts the total number of messages in a thread.
func (mr *messageRepository) CountByThreadID(ctx context.Context, threadID string) (int64, error) {
	var count int64
	err := mr.Pool().DB(ctx, true).
		Model(&models.Message{}).
		Where("thread_id = ?", threadID).
		Count(&count).Error
	return count, err
}

// IsNotFound reports whether err marks a missing row.
func IsNotFound(err error) bool {
	return data.ErrorIsNoRows(err) || errors.Is(err, gorm.ErrRecordNotFound)
}

// NewMessageRepository creates a new message repository instance.
func NewMessageRepository(ctx context.Context, dbPool pool.Pool, workMan workerpool.Manager) MessageRepository {
	return &messageRepository{
		BaseRepository: datastore.NewBaseRepository[*models.Message](
			ctx, dbPool, workMan, func() *models.Message { return &models.Message{} },
		),
	}
}
