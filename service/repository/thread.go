package repository

import (
	"context"
	"time"

	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/workerpool"

	"github.com/coachstream/service-messaging/service/models"
)

type threadRepository struct {
	datastore.BaseRepository[*models.Thread]
}

// GetByParticipant retrieves all threads the given user is a member of.
// Membership is a key in the participants JSON document.
func (tr *threadRepository) GetByParticipant(ctx context.Context, userID string) ([]*models.Thread, error) {
	var threads []*models.Thread
	err := tr.Pool().DB(ctx, true).
		Where("jsonb_exists(participants, ?)", userID).
		Order("last_activity_at DESC").
		Find(&threads).Error
	return threads, err
}

// TouchActivity bumps the thread's last activity timestamp. Updates are
// monotonic so concurrent writers cannot move it backwards.
func (tr *threadRepository) TouchActivity(ctx context.Context, threadID string, at time.Time) error {
	return tr.Pool().DB(ctx, false).
		Model(&models.Thread{}).
		Where("id = ? AND last_activity_at < ?", threadID, at).
		Update("last_activity_at", at).Error
}

// NewThreadRepository creates a new thread repository instance.
func NewThreadRepository(ctx context.Context, dbPool pool.Pool, workMan workerpool.Manager) ThreadRepository {
	return &threadRepository{
		BaseRepository: datastore.NewBaseRepository[*models.Thread](
			ctx, dbPool, workMan, func() *models.Thread { return &models.Thread{} },
		),
	}
}
