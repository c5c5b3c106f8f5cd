package repository

import (
	"context"

	"github.com/pitabwire/frame"

	"github.com/coachstream/service-messaging/service/models"
)

func Migrate(ctx context.Context, svc *frame.Service, migrationPath string) error {
	return svc.MigrateDatastore(ctx, migrationPath,
		&models.Thread{}, &models.Message{}, &models.DeliveryReceipt{})
}
