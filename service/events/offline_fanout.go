// Package events holds the in-process event handlers that decouple the send
// pipeline from slower follow-up work.
package events

import (
	"context"
	"errors"

	"github.com/pitabwire/frame/data"
	frevents "github.com/pitabwire/frame/events"
	"github.com/pitabwire/util"

	"github.com/coachstream/service-messaging/service/business"
	"github.com/coachstream/service-messaging/service/models"
)

const OfflineFanoutEventName = "message.offline.fanout.event"

// FanoutRequest asks for push fan-out of one message to recipients that were
// offline at send time. Only identifiers travel on the event; the handler
// re-reads the message so fan-out always works from persisted state.
type FanoutRequest struct {
	MessageID  string   `json:"messageId"`
	ThreadID   string   `json:"threadId"`
	Recipients []string `json:"recipients"`
}

// OfflineFanoutEventHandler resolves a FanoutRequest against the message
// store and hands it to the notification fan-out.
type OfflineFanoutEventHandler struct {
	store  business.MessageStore
	fanout business.NotificationFanout
}

func NewOfflineFanoutEventHandler(
	store business.MessageStore,
	fanout business.NotificationFanout,
) *OfflineFanoutEventHandler {
	return &OfflineFanoutEventHandler{
		store:  store,
		fanout: fanout,
	}
}

func (h *OfflineFanoutEventHandler) Name() string {
	return OfflineFanoutEventName
}

func (h *OfflineFanoutEventHandler) PayloadType() any {
	return &FanoutRequest{}
}

func (h *OfflineFanoutEventHandler) Validate(_ context.Context, payload any) error {
	_, ok := payload.(*FanoutRequest)
	if !ok {
		return errors.New("invalid payload type, expected events.FanoutRequest")
	}
	return nil
}

func (h *OfflineFanoutEventHandler) Execute(ctx context.Context, payload any) error {
	request, ok := payload.(*FanoutRequest)
	if !ok {
		return errors.New("invalid payload type, expected events.FanoutRequest")
	}

	if len(request.Recipients) == 0 {
		return nil
	}

	logger := util.Log(ctx).WithFields(map[string]any{
		"message_id":   request.MessageID,
		"thread_id":    request.ThreadID,
		"target_count": len(request.Recipients),
	})

	msg, err := h.store.GetMessage(ctx, request.MessageID)
	if err != nil {
		if data.ErrorIsNoRows(err) {
			logger.WithError(err).Error("no such message exists")
			return nil
		}
		logger.WithError(err).Error("failed to get message for fan-out")
		return err
	}

	thread, err := h.store.GetThread(ctx, request.ThreadID)
	if err != nil {
		logger.WithError(err).Error("failed to get thread for fan-out")
		return err
	}

	return h.fanout.NotifyOffline(ctx, msg, thread, request.Recipients)
}

// emittingFanout is the pipeline-facing trigger: it turns NotifyOffline into
// an emitted event so the send path never waits on queue publishing.
type emittingFanout struct {
	evtsManager frevents.Manager
}

// NewEmittingFanout adapts the events manager to the pipeline's fan-out seam.
func NewEmittingFanout(evtsManager frevents.Manager) business.NotificationFanout {
	return &emittingFanout{evtsManager: evtsManager}
}

func (ef *emittingFanout) NotifyOffline(
	ctx context.Context,
	msg *models.Message,
	thread *models.Thread,
	recipients []string,
) error {
	if len(recipients) == 0 {
		return nil
	}

	return ef.evtsManager.Emit(ctx, OfflineFanoutEventName, &FanoutRequest{
		MessageID:  msg.GetID(),
		ThreadID:   thread.GetID(),
		Recipients: recipients,
	})
}
