// Package queues carries push notification fan-out: batches published for
// dispatch, the dispatch worker that hands them to the push provider, and
// the dead-letter path for batches that exhaust their retries.
package queues

import (
	"context"
	"fmt"
	"maps"
	"strconv"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"

	"github.com/coachstream/service-messaging/config"
	"github.com/coachstream/service-messaging/internal"
)

// DeadLetterPublisher publishes notification batches to the dead-letter
// queue once they exceed the maximum retry count.
type DeadLetterPublisher struct {
	cfg  *config.MessagingConfig
	qMan queue.Manager
}

// NewDeadLetterPublisher creates a new dead-letter queue publisher.
func NewDeadLetterPublisher(cfg *config.MessagingConfig, qMan queue.Manager) *DeadLetterPublisher {
	return &DeadLetterPublisher{
		cfg:  cfg,
		qMan: qMan,
	}
}

// ShouldDeadLetter returns true if the batch has exceeded the max retry count.
func (dlp *DeadLetterPublisher) ShouldDeadLetter(retryCount int32) bool {
	return int(retryCount) >= dlp.cfg.MaxDeliveryRetries
}

// Publish sends a failed batch to the dead-letter queue with error context
// headers for diagnostics.
func (dlp *DeadLetterPublisher) Publish(
	ctx context.Context,
	msg any,
	originalQueue string,
	errMsg string,
	headers map[string]string,
) error {
	topic, err := dlp.qMan.GetPublisher(dlp.cfg.QueueDeadLetterName)
	if err != nil {
		return fmt.Errorf("failed to get dead-letter publisher: %w", err)
	}

	dlqHeaders := make(map[string]string, len(headers)+2)
	maps.Copy(dlqHeaders, headers)
	dlqHeaders[internal.HeaderDLQOriginalQueue] = originalQueue
	dlqHeaders[internal.HeaderDLQErrorMessage] = errMsg

	if pubErr := topic.Publish(ctx, msg, dlqHeaders); pubErr != nil {
		util.Log(ctx).WithError(pubErr).
			WithField("original_queue", originalQueue).
			Error("failed to publish to dead-letter queue")
		return pubErr
	}

	util.Log(ctx).
		WithField("original_queue", originalQueue).
		WithField("error", errMsg).
		Warn("notification batch moved to dead-letter queue after max retries exceeded")

	return nil
}

// RetryOrDeadLetter increments the batch retry count and republishes it, or
// sends it to the dead-letter queue if max retries have been exceeded.
func RetryOrDeadLetter(
	ctx context.Context,
	qMan queue.Manager,
	dlp *DeadLetterPublisher,
	queueName string,
	batch *NotificationBatch,
	headers map[string]string,
	originalErr error,
) error {
	batch.RetryCount++

	if dlp != nil && dlp.ShouldDeadLetter(batch.RetryCount) {
		return dlp.Publish(ctx, batch, queueName, originalErr.Error(), headers)
	}

	topic, err := qMan.GetPublisher(queueName)
	if err != nil {
		util.Log(ctx).WithError(err).Error("failed to get publisher for retry")
		return err
	}

	retryHeaders := make(map[string]string, len(headers)+1)
	maps.Copy(retryHeaders, headers)
	retryHeaders[internal.HeaderRetryCount] = strconv.Itoa(int(batch.RetryCount))

	if pubErr := topic.Publish(ctx, batch, retryHeaders); pubErr != nil {
		util.Log(ctx).WithError(pubErr).Error("failed to republish batch for retry")
		return pubErr
	}

	util.Log(ctx).WithField("retry_count", batch.RetryCount).
		Debug("notification batch republished for retry")
	return nil
}
