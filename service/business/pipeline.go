package business

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/util"

	"github.com/coachstream/service-messaging/service"
	"github.com/coachstream/service-messaging/service/models"

	msgtel "github.com/coachstream/service-messaging/internal/telemetry"
)

// PipelineSettings configures the message pipeline.
type PipelineSettings struct {
	ContentMaxLength int
	TypingDebounce   time.Duration
	// DeliveredOnAck keeps a pushed message at sent until the client's
	// delivery acknowledgment instead of recording delivered on push.
	DeliveredOnAck bool
}

type messagePipeline struct {
	settings PipelineSettings

	store     MessageStore
	tracker   DeliveryTracker
	presence  PresenceTracker
	limiter   RateLimiter
	queue     OfflineQueue
	fanout    NotificationFanout
	deliverer Deliverer

	typing *typingBroker
}

// NewMessagePipeline wires the pipeline to its collaborators.
func NewMessagePipeline(
	settings PipelineSettings,
	store MessageStore,
	tracker DeliveryTracker,
	presence PresenceTracker,
	limiter RateLimiter,
	queue OfflineQueue,
	fanout NotificationFanout,
	deliverer Deliverer,
) MessagePipeline {
	mp := &messagePipeline{
		settings:  settings,
		store:     store,
		tracker:   tracker,
		presence:  presence,
		limiter:   limiter,
		queue:     queue,
		fanout:    fanout,
		deliverer: deliverer,
	}
	mp.typing = newTypingBroker(settings.TypingDebounce, mp.clearTyping)

	// Reconnects replay the user's queued messages through the gateway.
	presence.Subscribe(func(ctx context.Context, change PresenceChange) {
		if change.Status != PresenceOnline {
			return
		}
		if queue.Pending(change.UserID) == 0 {
			return
		}
		go queue.Drain(context.WithoutCancel(ctx), change.UserID)
	})

	return mp
}

// SendMessage validates, persists and dispatches one message. Storage
// failure is fatal to the call; per-recipient delivery failure is not.
//
//nolint:gocognit // the pipeline is the one place dispatch branching lives
func (mp *messagePipeline) SendMessage(ctx context.Context, cmd SendCommand) (msg *models.Message, err error) {
	ctx, span := msgtel.PipelineTracer.Start(ctx, "SendMessage")
	defer func() { msgtel.PipelineTracer.End(ctx, span, err) }()

	textLen, contentErr := models.ValidateContent(cmd.Kind, cmd.Content)
	if contentErr != nil {
		return nil, service.ErrInvalidEvent
	}
	if textLen > mp.settings.ContentMaxLength {
		return nil, service.ErrContentTooLong
	}

	verdict := mp.limiter.Allow(cmd.SenderID)
	if !verdict.Allowed {
		msgtel.MessagesRateLimitedCounter.Add(ctx, 1)
		return nil, &service.RateLimitError{RetryAfter: verdict.RetryAfter}
	}
	if verdict.Warned {
		util.Log(ctx).WithField("sender_id", cmd.SenderID).Warn("sender in rate limit burst band")
	}

	thread, threadErr := mp.store.GetThread(ctx, cmd.ThreadID)
	if threadErr != nil {
		return nil, service.ErrThreadNotFound
	}
	if !thread.IsParticipant(cmd.SenderID) {
		return nil, service.ErrNotAParticipant
	}

	candidate := &models.Message{
		ThreadID:       cmd.ThreadID,
		SenderID:       cmd.SenderID,
		IdempotencyKey: cmd.IdempotencyKey,
		Kind:           cmd.Kind,
		ReplyToID:      cmd.ReplyTo,
		Content:        cmd.Content,
	}

	persisted, created, storeErr := mp.store.CreateMessage(ctx, candidate)
	if storeErr != nil {
		return nil, fmt.Errorf("%w: %w", service.ErrStorageUnavailable, storeErr)
	}
	if !created {
		// Retried send; the original dispatch already ran.
		return persisted, nil
	}

	msgtel.MessagesSentCounter.Add(ctx, 1)

	event, wireErr := models.NewWireEvent(models.EventTypeMessage, models.WireMessage(persisted))
	if wireErr != nil {
		return nil, fmt.Errorf("failed to encode message event: %w", wireErr)
	}

	var offline []string
	for _, recipientID := range thread.ParticipantIDs() {
		if recipientID == cmd.SenderID {
			continue
		}

		mp.tracker.RecordStatus(ctx, thread.GetID(), persisted.GetID(), recipientID, models.StatusSent)

		wasOnline := mp.presence.IsOnline(recipientID)
		if wasOnline {
			if mp.deliverer.Send(ctx, recipientID, event) {
				if !mp.settings.DeliveredOnAck {
					mp.tracker.RecordStatus(ctx, thread.GetID(), persisted.GetID(), recipientID, models.StatusDelivered)
				}
				continue
			}
			// Push failed despite the user looking online; degrade and let
			// the offline queue retry asynchronously.
			mp.tracker.RecordStatus(ctx, thread.GetID(), persisted.GetID(), recipientID, models.StatusFailed)
		}

		mp.queue.Enqueue(ctx, &QueuedItem{
			MessageID:   persisted.GetID(),
			ThreadID:    thread.GetID(),
			RecipientID: recipientID,
			Sequence:    persisted.Sequence,
			Payload:     event,
			EnqueuedAt:  time.Now(),
		})

		// External push targets recipients who were offline at send time;
		// a failed live push is the offline queue's problem, not fan-out's.
		if !wasOnline && !thread.IsMuted(recipientID) {
			offline = append(offline, recipientID)
		}
	}

	if touchErr := mp.store.TouchThreadActivity(ctx, thread.GetID(), persisted.CreatedAt); touchErr != nil {
		util.Log(ctx).WithError(touchErr).WithField("thread_id", thread.GetID()).
			Warn("failed to update thread activity")
	}

	if len(offline) > 0 {
		if fanoutErr := mp.fanout.NotifyOffline(ctx, persisted, thread, offline); fanoutErr != nil {
			util.Log(ctx).WithError(fanoutErr).WithField("message_id", persisted.GetID()).
				Warn("notification fan-out failed")
		}
	}

	return persisted, nil
}

// MarkRead sets the reader's receipt for the message to read and broadcasts
// the read event to the other thread participants. Idempotent; read never
// regresses.
func (mp *messagePipeline) MarkRead(ctx context.Context, threadID, messageID, readerID string) error {
	thread, err := mp.store.GetThread(ctx, threadID)
	if err != nil {
		return service.ErrThreadNotFound
	}
	if !thread.IsParticipant(readerID) {
		return service.ErrNotAParticipant
	}

	msg, err := mp.store.GetMessage(ctx, messageID)
	if err != nil || msg.ThreadID != threadID {
		return service.ErrInvalidEvent
	}

	changed := mp.tracker.RecordStatus(ctx, threadID, messageID, readerID, models.StatusRead)
	if !changed {
		return nil
	}

	event, err := models.NewWireEvent(models.EventTypeRead, &models.ReadOut{
		MessageID: messageID,
		ThreadID:  threadID,
		UserID:    readerID,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}

	mp.broadcast(ctx, thread, readerID, event)
	return nil
}

// Typing broadcasts a typing indicator to the thread. A typing true with no
// follow-up auto-clears after the debounce window.
func (mp *messagePipeline) Typing(ctx context.Context, threadID, userID string, isTyping bool) error {
	thread, err := mp.store.GetThread(ctx, threadID)
	if err != nil {
		return service.ErrThreadNotFound
	}
	if !thread.IsParticipant(userID) {
		return service.ErrNotAParticipant
	}

	if isTyping {
		mp.typing.Touch(ctx, threadID, userID)
	} else {
		mp.typing.Cancel(threadID, userID)
	}

	event, err := models.NewWireEvent(models.EventTypeTyping, &models.TypingOut{
		ThreadID: threadID,
		UserID:   userID,
		IsTyping: isTyping,
	})
	if err != nil {
		return err
	}

	mp.broadcast(ctx, thread, userID, event)
	return nil
}

// AckDelivered records a client delivery acknowledgment, used when the
// transport is configured for ack-based delivery receipts. Only thread
// participants can advance a receipt.
func (mp *messagePipeline) AckDelivered(ctx context.Context, messageID, recipientID string) error {
	msg, err := mp.store.GetMessage(ctx, messageID)
	if err != nil {
		return service.ErrInvalidEvent
	}
	thread, err := mp.store.GetThread(ctx, msg.ThreadID)
	if err != nil {
		return service.ErrThreadNotFound
	}
	if !thread.IsParticipant(recipientID) {
		return service.ErrNotAParticipant
	}
	mp.tracker.RecordStatus(ctx, msg.ThreadID, messageID, recipientID, models.StatusDelivered)
	return nil
}

// Stop releases pipeline timers.
func (mp *messagePipeline) Stop() {
	mp.typing.Stop()
}

// clearTyping emits the debounced typing false broadcast.
func (mp *messagePipeline) clearTyping(ctx context.Context, threadID, userID string) {
	thread, err := mp.store.GetThread(ctx, threadID)
	if err != nil {
		return
	}

	event, err := models.NewWireEvent(models.EventTypeTyping, &models.TypingOut{
		ThreadID: threadID,
		UserID:   userID,
		IsTyping: false,
	})
	if err != nil {
		return
	}

	mp.broadcast(ctx, thread, userID, event)
}

func (mp *messagePipeline) broadcast(ctx context.Context, thread *models.Thread, excludeUserID string, event *models.WireEvent) {
	for _, participantID := range thread.ParticipantIDs() {
		if participantID == excludeUserID {
			continue
		}
		mp.deliverer.Send(ctx, participantID, event)
	}
}
