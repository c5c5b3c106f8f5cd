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

const trackerShardCount = 32

type receiptState struct {
	threadID   string
	status     string
	retryCount int32
	statusAt   time.Time
}

type trackerShard struct {
	mu sync.RWMutex
	// messageID -> recipientID -> state
	ledger map[string]map[string]*receiptState
}

// deliveryTracker is the authoritative in-memory status ledger, sharded by
// message ID. Accepted transitions are written through to the receipt store
// so state survives restarts; the store is best-effort and a write failure
// never rolls back the ledger.
type deliveryTracker struct {
	shards [trackerShardCount]*trackerShard
	store  ReceiptStore
}

// NewDeliveryTracker creates a delivery tracker. store may be nil when no
// persistence collaborator is wired, for example in tests.
func NewDeliveryTracker(store ReceiptStore) DeliveryTracker {
	dt := &deliveryTracker{store: store}
	for i := range trackerShardCount {
		dt.shards[i] = &trackerShard{ledger: make(map[string]map[string]*receiptState)}
	}
	return dt
}

func (dt *deliveryTracker) shard(messageID string) *trackerShard {
	return dt.shards[internal.ShardForKey(messageID, trackerShardCount)]
}

// RecordStatus applies a status transition for one (message, recipient) pair.
// Transitions only move forward; a regressive or redundant call is a no-op
// and returns false.
func (dt *deliveryTracker) RecordStatus(ctx context.Context, threadID, messageID, recipientID, status string) bool {
	now := time.Now()
	s := dt.shard(messageID)

	s.mu.Lock()
	recipients, ok := s.ledger[messageID]
	if !ok {
		recipients = make(map[string]*receiptState)
		s.ledger[messageID] = recipients
	}

	state, ok := recipients[recipientID]
	if !ok {
		state = &receiptState{threadID: threadID}
		recipients[recipientID] = state
	}

	if !models.StatusSupersedes(status, state.status) {
		s.mu.Unlock()
		return false
	}
	state.status = status
	state.statusAt = now
	if state.threadID == "" {
		state.threadID = threadID
	}
	s.mu.Unlock()

	switch status {
	case models.StatusDelivered:
		telemetry.MessagesDeliveredCounter.Add(ctx, 1)
	case models.StatusFailed:
		telemetry.MessagesFailedCounter.Add(ctx, 1)
	}

	if dt.store != nil {
		if err := dt.store.UpsertStatus(ctx, threadID, messageID, recipientID, status, now); err != nil {
			util.Log(ctx).WithError(err).
				WithFields(map[string]any{"message_id": messageID, "recipient_id": recipientID, "status": status}).
				Warn("receipt write-through failed")
		}
	}

	return true
}

// GetStatus returns a snapshot of every recipient's status for a message.
func (dt *deliveryTracker) GetStatus(messageID string) map[string]string {
	s := dt.shard(messageID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	recipients, ok := s.ledger[messageID]
	if !ok {
		return map[string]string{}
	}

	snapshot := make(map[string]string, len(recipients))
	for recipientID, state := range recipients {
		snapshot[recipientID] = state.status
	}
	return snapshot
}

// IncrementRetry bumps and returns the retry counter for one receipt.
func (dt *deliveryTracker) IncrementRetry(messageID, recipientID string) int32 {
	s := dt.shard(messageID)

	s.mu.Lock()
	defer s.mu.Unlock()

	recipients, ok := s.ledger[messageID]
	if !ok {
		return 0
	}
	state, ok := recipients[recipientID]
	if !ok {
		return 0
	}
	state.retryCount++
	return state.retryCount
}
