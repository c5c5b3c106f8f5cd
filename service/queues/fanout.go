package queues

import (
	"context"
	"fmt"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"

	"github.com/coachstream/service-messaging/config"
	"github.com/coachstream/service-messaging/internal"
	msgtel "github.com/coachstream/service-messaging/internal/telemetry"
	"github.com/coachstream/service-messaging/service/business"
	"github.com/coachstream/service-messaging/service/models"
)

// NotificationBatch is one push fan-out unit published to the dispatch
// queue. Batches are bounded so one large thread cannot monopolise the
// provider, and carry their own retry count across republishes.
type NotificationBatch struct {
	MessageID     string                       `json:"messageId"`
	ThreadID      string                       `json:"threadId"`
	RetryCount    int32                        `json:"retryCount"`
	Notifications []*business.PushNotification `json:"notifications"`
}

type notificationFanout struct {
	cfg  *config.MessagingConfig
	qMan queue.Manager
}

// NewNotificationFanout builds the fan-out that turns an undelivered message
// into batched push notifications on the dispatch queue.
func NewNotificationFanout(cfg *config.MessagingConfig, qMan queue.Manager) business.NotificationFanout {
	return &notificationFanout{
		cfg:  cfg,
		qMan: qMan,
	}
}

//nolint:nonamedreturns // named return required for deferred tracing
func (nf *notificationFanout) NotifyOffline(
	ctx context.Context,
	msg *models.Message,
	thread *models.Thread,
	recipients []string,
) (err error) {
	ctx, span := msgtel.FanoutTracer.Start(ctx, "NotifyOffline")
	defer func() { msgtel.FanoutTracer.End(ctx, span, err) }()

	if len(recipients) == 0 {
		return nil
	}

	topic, err := nf.qMan.GetPublisher(nf.cfg.QueueNotificationDispatchName)
	if err != nil {
		return fmt.Errorf("failed to get notification dispatch publisher: %w", err)
	}

	title := thread.Name
	if title == "" {
		title = "New message"
	}
	body := models.PreviewText(msg.Kind, msg.Content)

	headers := map[string]string{
		internal.HeaderThreadID:  msg.ThreadID,
		internal.HeaderMessageID: msg.GetID(),
		internal.HeaderPriority:  "normal",
	}

	batchSize := nf.cfg.NotificationBatchSize
	for start := 0; start < len(recipients); start += batchSize {
		end := min(start+batchSize, len(recipients))

		batch := &NotificationBatch{
			MessageID:     msg.GetID(),
			ThreadID:      msg.ThreadID,
			Notifications: make([]*business.PushNotification, 0, end-start),
		}
		for _, recipientID := range recipients[start:end] {
			batch.Notifications = append(batch.Notifications, &business.PushNotification{
				RecipientID: recipientID,
				Title:       title,
				Body:        body,
				Priority:    "normal",
				Data: data.JSONMap{
					"threadId":  msg.ThreadID,
					"messageId": msg.GetID(),
					"senderId":  msg.SenderID,
					"sequence":  msg.Sequence,
				},
			})
		}

		if pubErr := topic.Publish(ctx, batch, headers); pubErr != nil {
			return fmt.Errorf("failed to publish notification batch: %w", pubErr)
		}
	}

	util.Log(ctx).WithFields(map[string]any{
		"message_id": msg.GetID(),
		"thread_id":  msg.ThreadID,
		"recipients": len(recipients),
	}).Debug("notification fan-out published")

	return nil
}
