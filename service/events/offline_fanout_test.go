package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/pitabwire/frame/data"
	frevents "github.com/pitabwire/frame/events"
	"github.com/pitabwire/frame/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/coachstream/service-messaging/service/business"
	"github.com/coachstream/service-messaging/service/events"
	"github.com/coachstream/service-messaging/service/models"
)

type mockEventsManager struct {
	mock.Mock
}

func (m *mockEventsManager) Emit(ctx context.Context, eventName string, payload any) error {
	args := m.Called(ctx, eventName, payload)
	return args.Error(0)
}

func (m *mockEventsManager) Add(_ frevents.EventI) {}
func (m *mockEventsManager) Get(_ string) (frevents.EventI, error) {
	return nil, nil
}
func (m *mockEventsManager) Handler() queue.SubscribeWorker {
	return nil
}

type recordingFanout struct {
	calls      int
	recipients []string
	err        error
}

func (f *recordingFanout) NotifyOffline(
	_ context.Context, _ *models.Message, _ *models.Thread, recipients []string,
) error {
	f.calls++
	f.recipients = recipients
	return f.err
}

func fixtureStore(t *testing.T) (business.MessageStore, *models.Message) {
	t.Helper()
	store := business.NewMemStore()

	thread := &models.Thread{
		Participants: data.JSONMap{
			"coach-1":  map[string]any{},
			"client-1": map[string]any{},
		},
	}
	thread.ID = "th1"
	store.PutThread(thread)

	msg, _, err := store.CreateMessage(t.Context(), &models.Message{
		ThreadID:       "th1",
		SenderID:       "coach-1",
		IdempotencyKey: "k1",
		Kind:           models.KindText,
		Content:        data.JSONMap{"body": "hello"},
	})
	require.NoError(t, err)
	return store, msg
}

func TestOfflineFanoutHandler_Execute(t *testing.T) {
	store, msg := fixtureStore(t)
	fanout := &recordingFanout{}
	handler := events.NewOfflineFanoutEventHandler(store, fanout)

	assert.Equal(t, events.OfflineFanoutEventName, handler.Name())
	require.NoError(t, handler.Validate(t.Context(), &events.FanoutRequest{}))
	require.Error(t, handler.Validate(t.Context(), "wrong type"))

	err := handler.Execute(t.Context(), &events.FanoutRequest{
		MessageID:  msg.GetID(),
		ThreadID:   "th1",
		Recipients: []string{"client-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fanout.calls)
	assert.Equal(t, []string{"client-1"}, fanout.recipients)
}

func TestOfflineFanoutHandler_NoRecipientsIsNoop(t *testing.T) {
	store, msg := fixtureStore(t)
	fanout := &recordingFanout{}
	handler := events.NewOfflineFanoutEventHandler(store, fanout)

	err := handler.Execute(t.Context(), &events.FanoutRequest{
		MessageID: msg.GetID(),
		ThreadID:  "th1",
	})
	require.NoError(t, err)
	assert.Zero(t, fanout.calls)
}

func TestOfflineFanoutHandler_MissingThreadFails(t *testing.T) {
	store, msg := fixtureStore(t)
	fanout := &recordingFanout{}
	handler := events.NewOfflineFanoutEventHandler(store, fanout)

	err := handler.Execute(t.Context(), &events.FanoutRequest{
		MessageID:  msg.GetID(),
		ThreadID:   "no-such-thread",
		Recipients: []string{"client-1"},
	})
	require.Error(t, err)
	assert.Zero(t, fanout.calls)
}

func TestOfflineFanoutHandler_PropagatesFanoutError(t *testing.T) {
	store, msg := fixtureStore(t)
	fanout := &recordingFanout{err: errors.New("queue down")}
	handler := events.NewOfflineFanoutEventHandler(store, fanout)

	err := handler.Execute(t.Context(), &events.FanoutRequest{
		MessageID:  msg.GetID(),
		ThreadID:   "th1",
		Recipients: []string{"client-1"},
	})
	require.Error(t, err)
}

func TestEmittingFanout_EmitsRequest(t *testing.T) {
	evtsMan := new(mockEventsManager)
	fanout := events.NewEmittingFanout(evtsMan)

	msg := &models.Message{ThreadID: "th1"}
	msg.ID = "m1"
	thread := &models.Thread{}
	thread.ID = "th1"

	evtsMan.On("Emit", mock.Anything, events.OfflineFanoutEventName, &events.FanoutRequest{
		MessageID:  "m1",
		ThreadID:   "th1",
		Recipients: []string{"client-1"},
	}).Return(nil)

	require.NoError(t, fanout.NotifyOffline(t.Context(), msg, thread, []string{"client-1"}))
	evtsMan.AssertExpectations(t)
}

func TestEmittingFanout_NoRecipientsSkipsEmit(t *testing.T) {
	evtsMan := new(mockEventsManager)
	fanout := events.NewEmittingFanout(evtsMan)

	msg := &models.Message{ThreadID: "th1"}
	thread := &models.Thread{}

	require.NoError(t, fanout.NotifyOffline(t.Context(), msg, thread, nil))
	evtsMan.AssertNotCalled(t, "Emit")
}
