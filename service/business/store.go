package business

import (
	"context"
	"time"

	"github.com/coachstream/service-messaging/service/models"
	"github.com/coachstream/service-messaging/service/repository"
)

// storeAdapter backs the MessageStore seam with the repository layer.
type storeAdapter struct {
	threadRepo  repository.ThreadRepository
	messageRepo repository.MessageRepository
}

// NewMessageStore creates a MessageStore backed by the database repositories.
func NewMessageStore(threadRepo repository.ThreadRepository, messageRepo repository.MessageRepository) MessageStore {
	return &storeAdapter{
		threadRepo:  threadRepo,
		messageRepo: messageRepo,
	}
}

func (sa *storeAdapter) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	if msg.GetID() == "" {
		msg.GenID(ctx)
	}
	return sa.messageRepo.CreateWithSequence(ctx, msg)
}

func (sa *storeAdapter) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	return sa.messageRepo.GetByID(ctx, messageID)
}

func (sa *storeAdapter) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	return sa.threadRepo.GetByID(ctx, threadID)
}

func (sa *storeAdapter) TouchThreadActivity(ctx context.Context, threadID string, at time.Time) error {
	return sa.threadRepo.TouchActivity(ctx, threadID, at)
}

func (sa *storeAdapter) GetHistory(
	ctx context.Context,
	threadID string,
	beforeSequence int64,
	limit int,
) ([]*models.Message, error) {
	return sa.messageRepo.GetHistory(ctx, threadID, beforeSequence, limit)
}
