package business

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/coachstream/service-messaging/internal"
	"github.com/coachstream/service-messaging/internal/telemetry"
	"github.com/coachstream/service-messaging/service/models"
)

const queueShardCount = 32

// QueueSettings configures the offline queue and retry engine.
type QueueSettings struct {
	// Capacity bounds each recipient's queue. On overflow the oldest item is
	// dropped and marked failed; the queue favours recency over completeness.
	Capacity int
	// MaxRetries bounds delivery attempts per item before it is marked failed.
	MaxRetries int
	// BaseDelay and MaxDelay bound the exponential retry backoff,
	// min(BaseDelay * 2^attempts, MaxDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// DeliveredOnAck leaves a replayed item at sent until the client
	// acknowledges instead of recording delivered on a successful push.
	DeliveredOnAck bool
}

type recipientQueue struct {
	items []*QueuedItem
	// retryTimer is the pending backoff for the queue head, nil when no retry
	// is scheduled. Cancelled whenever the head changes or a fresh drain runs.
	retryTimer *time.Timer
}

type queueShard struct {
	mu     sync.Mutex
	queues map[string]*recipientQueue
}

// offlineQueue holds undelivered messages per recipient. Items drain in
// enqueue order, which is per-thread sequence order, so replay preserves
// thread ordering. Delivery failures back off exponentially per item and
// give up after MaxRetries, surfacing a failed receipt.
type offlineQueue struct {
	shards   [queueShardCount]*queueShard
	settings QueueSettings

	deliverer Deliverer
	tracker   DeliveryTracker

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewOfflineQueue creates the offline queue and retry engine.
func NewOfflineQueue(settings QueueSettings, deliverer Deliverer, tracker DeliveryTracker) OfflineQueue {
	oq := &offlineQueue{
		settings:   settings,
		deliverer:  deliverer,
		tracker:    tracker,
		shutdownCh: make(chan struct{}),
	}
	for i := range queueShardCount {
		oq.shards[i] = &queueShard{queues: make(map[string]*recipientQueue)}
	}
	return oq
}

func (oq *offlineQueue) shard(recipientID string) *queueShard {
	return oq.shards[internal.ShardForKey(recipientID, queueShardCount)]
}

// Enqueue appends an item to its recipient's queue. If the queue is full the
// oldest item is evicted, marked failed and its pending retry cancelled.
func (oq *offlineQueue) Enqueue(ctx context.Context, item *QueuedItem) {
	s := oq.shard(item.RecipientID)

	var evicted *QueuedItem

	s.mu.Lock()
	q, ok := s.queues[item.RecipientID]
	if !ok {
		q = &recipientQueue{}
		s.queues[item.RecipientID] = q
	}
	q.items = append(q.items, item)
	if len(q.items) > oq.settings.Capacity {
		evicted = q.items[0]
		q.items = q.items[1:]
		// The evicted head may have a retry in flight; cancel so the stale
		// timer cannot fire after removal.
		if q.retryTimer != nil {
			q.retryTimer.Stop()
			q.retryTimer = nil
		}
	}
	s.mu.Unlock()

	telemetry.OfflineQueuedCounter.Add(ctx, 1)

	if evicted != nil {
		telemetry.OfflineDroppedCounter.Add(ctx, 1)
		oq.tracker.RecordStatus(ctx, evicted.ThreadID, evicted.MessageID, evicted.RecipientID, models.StatusFailed)
		util.Log(ctx).WithFields(map[string]any{
			"recipient_id": evicted.RecipientID,
			"message_id":   evicted.MessageID,
		}).Warn("offline queue overflow, dropped oldest item")
	}
}

// Drain attempts delivery of every queued item for the recipient, oldest
// first. On the first failed push draining stops to preserve order and a
// retry is scheduled with exponential backoff. Called on reconnect and by
// retry timers.
func (oq *offlineQueue) Drain(ctx context.Context, recipientID string) {
	s := oq.shard(recipientID)

	for {
		select {
		case <-oq.shutdownCh:
			return
		default:
		}

		s.mu.Lock()
		q, ok := s.queues[recipientID]
		if !ok || len(q.items) == 0 {
			if ok {
				delete(s.queues, recipientID)
			}
			s.mu.Unlock()
			return
		}
		// A fresh drain supersedes any scheduled retry.
		if q.retryTimer != nil {
			q.retryTimer.Stop()
			q.retryTimer = nil
		}
		head := q.items[0]
		s.mu.Unlock()

		delivered := oq.deliverer.Send(ctx, recipientID, head.Payload)

		s.mu.Lock()
		q, ok = s.queues[recipientID]
		if !ok || len(q.items) == 0 || q.items[0] != head {
			// Head was evicted while the push was in flight.
			s.mu.Unlock()
			continue
		}

		if delivered {
			q.items = q.items[1:]
			s.mu.Unlock()

			telemetry.OfflineReplayedCounter.Add(ctx, 1)
			if !oq.settings.DeliveredOnAck {
				oq.tracker.RecordStatus(ctx, head.ThreadID, head.MessageID, recipientID, models.StatusDelivered)
			}
			continue
		}

		head.Attempts++
		oq.tracker.IncrementRetry(head.MessageID, recipientID)

		if head.Attempts > oq.settings.MaxRetries {
			q.items = q.items[1:]
			s.mu.Unlock()

			oq.tracker.RecordStatus(ctx, head.ThreadID, head.MessageID, recipientID, models.StatusFailed)
			util.Log(ctx).WithFields(map[string]any{
				"recipient_id": recipientID,
				"message_id":   head.MessageID,
				"attempts":     head.Attempts,
			}).Warn("offline item exceeded retry bound")
			continue
		}

		delay := oq.backoff(head.Attempts)
		q.retryTimer = time.AfterFunc(delay, func() {
			select {
			case <-oq.shutdownCh:
				return
			default:
			}
			oq.Drain(context.WithoutCancel(ctx), recipientID)
		})
		s.mu.Unlock()
		return
	}
}

// Pending returns the number of queued items for a recipient.
func (oq *offlineQueue) Pending(recipientID string) int {
	s := oq.shard(recipientID)

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[recipientID]
	if !ok {
		return 0
	}
	return len(q.items)
}

// Stop cancels every pending retry timer.
func (oq *offlineQueue) Stop() {
	oq.shutdownOnce.Do(func() {
		close(oq.shutdownCh)
	})

	for i := range queueShardCount {
		s := oq.shards[i]
		s.mu.Lock()
		for _, q := range s.queues {
			if q.retryTimer != nil {
				q.retryTimer.Stop()
				q.retryTimer = nil
			}
		}
		s.mu.Unlock()
	}
}

func (oq *offlineQueue) backoff(attempts int) time.Duration {
	delay := oq.settings.BaseDelay << uint(attempts)
	if delay > oq.settings.MaxDelay || delay <= 0 {
		delay = oq.settings.MaxDelay
	}
	return delay
}
