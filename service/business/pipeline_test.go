package business

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachstream/service-messaging/service"
	"github.com/coachstream/service-messaging/service/models"
)

type fanoutCall struct {
	messageID  string
	recipients []string
}

type fakeFanout struct {
	mu    sync.Mutex
	calls []fanoutCall
}

func (f *fakeFanout) NotifyOffline(_ context.Context, msg *models.Message, _ *models.Thread, recipients []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fanoutCall{messageID: msg.GetID(), recipients: recipients})
	return nil
}

func (f *fakeFanout) recorded() []fanoutCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fanoutCall(nil), f.calls...)
}

type pipelineFixture struct {
	pipeline  MessagePipeline
	store     *memStore
	tracker   DeliveryTracker
	presence  PresenceTracker
	deliverer *fakeDeliverer
	queue     OfflineQueue
	fanout    *fakeFanout
}

func newPipelineFixture(t *testing.T, opts ...func(*PipelineSettings)) *pipelineFixture {
	t.Helper()

	settings := PipelineSettings{
		ContentMaxLength: 5000,
		TypingDebounce:   40 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	store := NewMemStore()
	tracker := NewDeliveryTracker(nil)
	presence := NewPresenceTracker(context.Background(), 90*time.Second, time.Hour)
	t.Cleanup(presence.Stop)
	deliverer := newFakeDeliverer()
	queue := NewOfflineQueue(QueueSettings{
		Capacity:       50,
		MaxRetries:     3,
		BaseDelay:      5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		DeliveredOnAck: settings.DeliveredOnAck,
	}, deliverer, tracker)
	t.Cleanup(queue.Stop)
	fanout := &fakeFanout{}
	limiter := NewRateLimiter(time.Minute, 1000, 1.5)

	pipeline := NewMessagePipeline(settings, store, tracker, presence, limiter, queue, fanout, deliverer)
	t.Cleanup(pipeline.Stop)

	return &pipelineFixture{
		pipeline:  pipeline,
		store:     store,
		tracker:   tracker,
		presence:  presence,
		deliverer: deliverer,
		queue:     queue,
		fanout:    fanout,
	}
}

func seedThread(fx *pipelineFixture, threadID string, participants ...string) *models.Thread {
	members := data.JSONMap{}
	for _, p := range participants {
		members[p] = map[string]any{}
	}
	thread := &models.Thread{Participants: members}
	thread.ID = threadID
	fx.store.PutThread(thread)
	return thread
}

func textSend(threadID, senderID, body string) SendCommand {
	return SendCommand{
		ThreadID:       threadID,
		SenderID:       senderID,
		Kind:           models.KindText,
		Content:        data.JSONMap{"body": body},
		IdempotencyKey: util.IDString(),
	}
}

func TestPipeline_SendToOnlineRecipient(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")
	fx.presence.MarkOnline(ctx, "bob", "phone")

	msg, err := fx.pipeline.SendMessage(ctx, textSend("t1", "alice", "hi"))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, int64(1), msg.Sequence)

	// Live push landed and was receipted delivered
	sent := fx.deliverer.sentTo("bob")
	require.Len(t, sent, 1)
	assert.Equal(t, models.EventTypeMessage, sent[0].Type)
	assert.Equal(t, models.StatusDelivered, fx.tracker.GetStatus(msg.GetID())["bob"])

	// The sender holds no receipt
	_, ok := fx.tracker.GetStatus(msg.GetID())["alice"]
	assert.False(t, ok)

	// Nothing queued, no fan-out
	assert.Zero(t, fx.queue.Pending("bob"))
	assert.Empty(t, fx.fanout.recorded())

	// Thread activity was bumped
	thread, err := fx.store.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, thread.LastActivityAt.IsZero())
}

func TestPipeline_SendToOfflineRecipient(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")

	msg, err := fx.pipeline.SendMessage(ctx, SendCommand{
		ThreadID:       "t1",
		SenderID:       "alice",
		Kind:           models.KindText,
		Content:        data.JSONMap{"body": "hi"},
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	// Receipt stays at sent, item queued, push batch submitted
	assert.Equal(t, models.StatusSent, fx.tracker.GetStatus(msg.GetID())["bob"])
	assert.Equal(t, 1, fx.queue.Pending("bob"))

	calls := fx.fanout.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"bob"}, calls[0].recipients)

	// Reconnect replays the queue and the receipt becomes delivered
	fx.presence.MarkOnline(ctx, "bob", "phone")

	assert.Eventually(t, func() bool {
		return fx.tracker.GetStatus(msg.GetID())["bob"] == models.StatusDelivered
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, fx.queue.Pending("bob"))
	assert.Len(t, fx.deliverer.sentTo("bob"), 1)
}

func TestPipeline_IdempotentRetry(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")
	fx.presence.MarkOnline(ctx, "bob", "phone")

	cmd := textSend("t1", "alice", "hi")

	first, err := fx.pipeline.SendMessage(ctx, cmd)
	require.NoError(t, err)
	second, err := fx.pipeline.SendMessage(ctx, cmd)
	require.NoError(t, err)

	// Exactly one persisted message, no duplicate dispatch
	assert.Equal(t, first.GetID(), second.GetID())
	assert.Equal(t, first.Sequence, second.Sequence)
	assert.Len(t, fx.deliverer.sentTo("bob"), 1)
}

func TestPipeline_ContentTooLong(t *testing.T) {
	fx := newPipelineFixture(t)
	seedThread(fx, "t1", "alice", "bob")

	_, err := fx.pipeline.SendMessage(context.Background(),
		textSend("t1", "alice", strings.Repeat("x", 5001)))

	assert.ErrorIs(t, err, service.ErrContentTooLong)
}

func TestPipeline_InvalidKind(t *testing.T) {
	fx := newPipelineFixture(t)
	seedThread(fx, "t1", "alice", "bob")

	_, err := fx.pipeline.SendMessage(context.Background(), SendCommand{
		ThreadID:       "t1",
		SenderID:       "alice",
		Kind:           "carrier-pigeon",
		Content:        data.JSONMap{"body": "hi"},
		IdempotencyKey: "k1",
	})

	assert.ErrorIs(t, err, service.ErrInvalidEvent)
}

func TestPipeline_NotAParticipant(t *testing.T) {
	fx := newPipelineFixture(t)
	seedThread(fx, "t1", "alice", "bob")

	_, err := fx.pipeline.SendMessage(context.Background(), textSend("t1", "mallory", "hi"))

	assert.ErrorIs(t, err, service.ErrNotAParticipant)
}

func TestPipeline_ThreadNotFound(t *testing.T) {
	fx := newPipelineFixture(t)

	_, err := fx.pipeline.SendMessage(context.Background(), textSend("missing", "alice", "hi"))

	assert.ErrorIs(t, err, service.ErrThreadNotFound)
}

func TestPipeline_RateLimited(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")

	// Swap in a tight limiter: 1 allowed, no burst band
	mp, ok := fx.pipeline.(*messagePipeline)
	require.True(t, ok)
	mp.limiter = NewRateLimiter(time.Minute, 1, 1.0)

	_, err := fx.pipeline.SendMessage(ctx, textSend("t1", "alice", "one"))
	require.NoError(t, err)

	_, err = fx.pipeline.SendMessage(ctx, textSend("t1", "alice", "two"))
	assert.ErrorIs(t, err, service.ErrRateLimitExceeded)

	// The rejection carries the window reset hint
	var rle *service.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Positive(t, rle.RetryAfter)

	// The rejected message was never persisted
	history, err := fx.store.GetHistory(ctx, "t1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPipeline_ContentLengthCountsRunes(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")

	// 3000 four-byte runes: 12000 bytes but well under the character cap
	_, err := fx.pipeline.SendMessage(ctx, textSend("t1", "alice", strings.Repeat("𠜎", 3000)))
	assert.NoError(t, err)

	_, err = fx.pipeline.SendMessage(ctx, textSend("t1", "alice", strings.Repeat("𠜎", 5001)))
	assert.ErrorIs(t, err, service.ErrContentTooLong)
}

func TestPipeline_StorageFailureIsFatal(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")
	fx.store.FailCreates(true)

	_, err := fx.pipeline.SendMessage(ctx, textSend("t1", "alice", "hi"))

	assert.ErrorIs(t, err, service.ErrStorageUnavailable)
	assert.Empty(t, fx.fanout.recorded())
	assert.Zero(t, fx.queue.Pending("bob"))
}

func TestPipeline_PushFailureDegradesNotFatal(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")
	fx.presence.MarkOnline(ctx, "bob", "phone")
	fx.deliverer.failures["bob"] = -1

	msg, err := fx.pipeline.SendMessage(ctx, textSend("t1", "alice", "hi"))
	require.NoError(t, err)

	// Failed push degrades the receipt and parks the item for retry
	assert.Eventually(t, func() bool {
		return fx.tracker.GetStatus(msg.GetID())["bob"] == models.StatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestPipeline_MutedRecipientSkipsFanout(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()

	thread := &models.Thread{Participants: data.JSONMap{
		"alice": map[string]any{},
		"bob":   map[string]any{"muted": true},
	}}
	thread.ID = "t1"
	fx.store.PutThread(thread)

	msg, err := fx.pipeline.SendMessage(ctx, textSend("t1", "alice", "hi"))
	require.NoError(t, err)

	// Still queued for in-app delivery, but no push notification
	assert.Equal(t, 1, fx.queue.Pending("bob"))
	assert.Empty(t, fx.fanout.recorded())
	assert.Equal(t, models.StatusSent, fx.tracker.GetStatus(msg.GetID())["bob"])
}

func TestPipeline_AckBasedDelivery(t *testing.T) {
	fx := newPipelineFixture(t, func(s *PipelineSettings) { s.DeliveredOnAck = true })
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")
	fx.presence.MarkOnline(ctx, "bob", "phone")

	msg, err := fx.pipeline.SendMessage(ctx, textSend("t1", "alice", "hi"))
	require.NoError(t, err)

	// Pushed but not delivered until the client acks
	require.Len(t, fx.deliverer.sentTo("bob"), 1)
	assert.Equal(t, models.StatusSent, fx.tracker.GetStatus(msg.GetID())["bob"])

	require.NoError(t, fx.pipeline.AckDelivered(ctx, msg.GetID(), "bob"))
	assert.Equal(t, models.StatusDelivered, fx.tracker.GetStatus(msg.GetID())["bob"])
}

func TestPipeline_MarkRead(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")
	fx.presence.MarkOnline(ctx, "alice", "phone")
	fx.presence.MarkOnline(ctx, "bob", "phone")

	msg, err := fx.pipeline.SendMessage(ctx, textSend("t1", "alice", "hi"))
	require.NoError(t, err)

	require.NoError(t, fx.pipeline.MarkRead(ctx, "t1", msg.GetID(), "bob"))
	assert.Equal(t, models.StatusRead, fx.tracker.GetStatus(msg.GetID())["bob"])

	// The read event is broadcast to the other participants
	aliceEvents := fx.deliverer.sentTo("alice")
	require.Len(t, aliceEvents, 1)
	assert.Equal(t, models.EventTypeRead, aliceEvents[0].Type)
	var read models.ReadOut
	require.NoError(t, aliceEvents[0].Decode(&read))
	assert.Equal(t, "bob", read.UserID)
	assert.Equal(t, msg.GetID(), read.MessageID)

	// Idempotent: a second read changes nothing and re-broadcasts nothing
	require.NoError(t, fx.pipeline.MarkRead(ctx, "t1", msg.GetID(), "bob"))
	assert.Len(t, fx.deliverer.sentTo("alice"), 1)
}

func TestPipeline_MarkReadRequiresMembership(t *testing.T) {
	fx := newPipelineFixture(t)
	seedThread(fx, "t1", "alice", "bob")

	err := fx.pipeline.MarkRead(context.Background(), "t1", "m1", "mallory")
	assert.ErrorIs(t, err, service.ErrNotAParticipant)
}

func TestPipeline_MarkReadRejectsForeignThreadMessage(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")
	seedThread(fx, "t2", "bob", "carol")

	msg, err := fx.pipeline.SendMessage(ctx, textSend("t1", "alice", "hi"))
	require.NoError(t, err)

	// bob is in both threads, but the message lives in t1
	err = fx.pipeline.MarkRead(ctx, "t2", msg.GetID(), "bob")
	assert.ErrorIs(t, err, service.ErrInvalidEvent)
	assert.Equal(t, models.StatusSent, fx.tracker.GetStatus(msg.GetID())["bob"])
}

func TestPipeline_AckDeliveredRequiresMembership(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")

	msg, err := fx.pipeline.SendMessage(ctx, textSend("t1", "alice", "hi"))
	require.NoError(t, err)

	err = fx.pipeline.AckDelivered(ctx, msg.GetID(), "mallory")
	assert.ErrorIs(t, err, service.ErrNotAParticipant)

	_, ok := fx.tracker.GetStatus(msg.GetID())["mallory"]
	assert.False(t, ok, "no receipt is minted for the outsider")
}

func TestPipeline_TypingBroadcastAndAutoClear(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")
	fx.presence.MarkOnline(ctx, "bob", "phone")

	require.NoError(t, fx.pipeline.Typing(ctx, "t1", "alice", true))

	events := fx.deliverer.sentTo("bob")
	require.Len(t, events, 1)
	var typing models.TypingOut
	require.NoError(t, events[0].Decode(&typing))
	assert.True(t, typing.IsTyping)

	// With no follow-up, the debounce emits typing false
	assert.Eventually(t, func() bool {
		events := fx.deliverer.sentTo("bob")
		if len(events) < 2 {
			return false
		}
		var cleared models.TypingOut
		if err := events[1].Decode(&cleared); err != nil {
			return false
		}
		return !cleared.IsTyping && cleared.UserID == "alice"
	}, time.Second, 5*time.Millisecond)
}

func TestPipeline_TypingFollowUpResetsDebounce(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")
	fx.presence.MarkOnline(ctx, "bob", "phone")

	require.NoError(t, fx.pipeline.Typing(ctx, "t1", "alice", true))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, fx.pipeline.Typing(ctx, "t1", "alice", true))

	// Shortly after the first debounce window no clear has fired; the
	// follow-up pushed it out.
	time.Sleep(30 * time.Millisecond)
	for _, event := range fx.deliverer.sentTo("bob") {
		var typing models.TypingOut
		require.NoError(t, event.Decode(&typing))
		assert.True(t, typing.IsTyping)
	}
}

func TestPipeline_TypingExplicitStopCancelsClear(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")
	fx.presence.MarkOnline(ctx, "bob", "phone")

	require.NoError(t, fx.pipeline.Typing(ctx, "t1", "alice", true))
	require.NoError(t, fx.pipeline.Typing(ctx, "t1", "alice", false))

	time.Sleep(80 * time.Millisecond)

	// true then the explicit false; the debounced clear never fires on top
	assert.Len(t, fx.deliverer.sentTo("bob"), 2)
}

func TestPipeline_PerThreadSequences(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()
	seedThread(fx, "t1", "alice", "bob")
	seedThread(fx, "t2", "alice", "carol")

	var wg sync.WaitGroup
	const perThread = 20

	for i := range perThread {
		body := fmt.Sprintf("msg-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := fx.pipeline.SendMessage(ctx, textSend("t1", "alice", body))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := fx.pipeline.SendMessage(ctx, textSend("t2", "alice", body))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, threadID := range []string{"t1", "t2"} {
		history, err := fx.store.GetHistory(ctx, threadID, 0, 100)
		require.NoError(t, err)
		require.Len(t, history, perThread)

		// Sequences are dense and monotonic per thread
		seen := make(map[int64]bool)
		for _, msg := range history {
			seen[msg.Sequence] = true
		}
		for i := int64(1); i <= perThread; i++ {
			assert.True(t, seen[i], "thread %s missing sequence %d", threadID, i)
		}
	}
}
