package queues

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"

	"github.com/coachstream/service-messaging/config"
	"github.com/coachstream/service-messaging/internal/resilience"
	msgtel "github.com/coachstream/service-messaging/internal/telemetry"
	"github.com/coachstream/service-messaging/service/business"
)

type notificationDispatchHandler struct {
	cfg      *config.MessagingConfig
	qMan     queue.Manager
	provider business.PushProvider
	breaker  *resilience.CircuitBreaker
	dlp      *DeadLetterPublisher
}

// NewNotificationDispatchHandler builds the worker that consumes batches
// from the dispatch queue and hands them to the external push provider. The
// provider is called through a circuit breaker so a dead provider sheds load
// fast instead of timing out batch after batch.
func NewNotificationDispatchHandler(
	cfg *config.MessagingConfig,
	qMan queue.Manager,
	provider business.PushProvider,
	dlp *DeadLetterPublisher,
) queue.SubscribeWorker {
	return &notificationDispatchHandler{
		cfg:      cfg,
		qMan:     qMan,
		provider: provider,
		breaker:  resilience.NewCircuitBreaker(resilience.DefaultSettings("push-provider")),
		dlp:      dlp,
	}
}

//nolint:nonamedreturns // named return required for deferred tracing
func (nd *notificationDispatchHandler) Handle(ctx context.Context, headers map[string]string, payload []byte) (err error) {
	ctx, span := msgtel.FanoutTracer.Start(ctx, "DispatchNotifications")
	defer func() { msgtel.FanoutTracer.End(ctx, span, err) }()

	batch := &NotificationBatch{}
	err = json.Unmarshal(payload, batch)
	if err != nil {
		util.Log(ctx).WithError(err).Error("failed to unmarshal notification batch")
		// Non-retryable: send raw payload to DLQ for diagnostics
		if nd.dlp != nil {
			dlqErr := nd.dlp.Publish(
				ctx, payload, nd.cfg.QueueNotificationDispatchName, err.Error(), headers)
			if dlqErr != nil {
				util.Log(ctx).WithError(dlqErr).Error("failed to publish unmarshalable batch to DLQ")
			}
		}
		return nil
	}

	if nd.dlp != nil && nd.dlp.ShouldDeadLetter(batch.RetryCount) {
		msgtel.NotificationsDeadLetteredCounter.Add(ctx, 1)
		return nd.dlp.Publish(ctx, batch, nd.cfg.QueueNotificationDispatchName,
			"max retries exceeded", headers)
	}

	var delivered, failed []string
	provErr := nd.breaker.Execute(ctx, func(ctx context.Context) error {
		var sendErr error
		delivered, failed, sendErr = nd.provider.SendBatch(ctx, batch.Notifications)
		return sendErr
	})
	if provErr != nil {
		msgtel.NotificationsFailedCounter.Add(ctx, int64(len(batch.Notifications)))
		// Retryable: the whole batch goes around again
		return RetryOrDeadLetter(ctx, nd.qMan, nd.dlp,
			nd.cfg.QueueNotificationDispatchName, batch, headers, provErr)
	}

	msgtel.NotificationsSentCounter.Add(ctx, int64(len(delivered)))

	if len(failed) == 0 {
		return nil
	}

	// Partial failure: only the rejected recipients are retried.
	msgtel.NotificationsFailedCounter.Add(ctx, int64(len(failed)))
	retry := &NotificationBatch{
		MessageID:  batch.MessageID,
		ThreadID:   batch.ThreadID,
		RetryCount: batch.RetryCount,
	}
	failedSet := make(map[string]struct{}, len(failed))
	for _, recipientID := range failed {
		failedSet[recipientID] = struct{}{}
	}
	for _, notification := range batch.Notifications {
		if _, ok := failedSet[notification.RecipientID]; ok {
			retry.Notifications = append(retry.Notifications, notification)
		}
	}

	util.Log(ctx).WithFields(map[string]any{
		"message_id": batch.MessageID,
		"delivered":  len(delivered),
		"failed":     len(failed),
	}).Warn("push provider rejected part of a notification batch")

	return RetryOrDeadLetter(ctx, nd.qMan, nd.dlp,
		nd.cfg.QueueNotificationDispatchName, retry, headers, errPartialDelivery)
}

var errPartialDelivery = errors.New("push provider rejected some recipients")
