package business

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/coachstream/service-messaging/service"
	"github.com/coachstream/service-messaging/service/models"
)

// memStore is an in-memory MessageStore used by tests and single-node
// standalone runs. Sequence assignment and idempotency semantics match the
// database-backed adapter.
type memStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string]*models.Message
	// idempotency maps threadID:key -> messageID
	idempotency map[string]string
	// sequences tracks the highest assigned sequence per thread
	sequences map[string]int64
	// failCreates forces CreateMessage to fail, simulating store outage
	failCreates bool
}

// NewMemStore creates an empty in-memory message store.
func NewMemStore() *memStore {
	return &memStore{
		threads:     make(map[string]*models.Thread),
		messages:    make(map[string]*models.Message),
		idempotency: make(map[string]string),
		sequences:   make(map[string]int64),
	}
}

// PutThread seeds a thread.
func (ms *memStore) PutThread(thread *models.Thread) {
	ms.mu.Lock()
	ms.threads[thread.GetID()] = thread
	ms.mu.Unlock()
}

// FailCreates toggles simulated storage outage for CreateMessage.
func (ms *memStore) FailCreates(fail bool) {
	ms.mu.Lock()
	ms.failCreates = fail
	ms.mu.Unlock()
}

func (ms *memStore) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.failCreates {
		return nil, false, service.ErrStorageUnavailable
	}

	key := msg.ThreadID + ":" + msg.IdempotencyKey
	if existingID, ok := ms.idempotency[key]; ok {
		return ms.messages[existingID], false, nil
	}

	if msg.GetID() == "" {
		msg.ID = util.IDString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	ms.sequences[msg.ThreadID]++
	msg.Sequence = ms.sequences[msg.ThreadID]

	ms.messages[msg.GetID()] = msg
	ms.idempotency[key] = msg.GetID()
	return msg, true, nil
}

func (ms *memStore) GetMessage(_ context.Context, messageID string) (*models.Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	msg, ok := ms.messages[messageID]
	if !ok {
		return nil, service.ErrInvalidEvent
	}
	return msg, nil
}

func (ms *memStore) GetThread(_ context.Context, threadID string) (*models.Thread, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	thread, ok := ms.threads[threadID]
	if !ok {
		return nil, service.ErrThreadNotFound
	}
	return thread, nil
}

func (ms *memStore) TouchThreadActivity(_ context.Context, threadID string, at time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	thread, ok := ms.threads[threadID]
	if !ok {
		return service.ErrThreadNotFound
	}
	if thread.LastActivityAt.Before(at) {
		thread.LastActivityAt = at
	}
	return nil
}

func (ms *memStore) GetHistory(
	_ context.Context,
	threadID string,
	beforeSequence int64,
	limit int,
) ([]*models.Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []*models.Message
	for _, msg := range ms.messages {
		if msg.ThreadID != threadID {
			continue
		}
		if beforeSequence > 0 && msg.Sequence >= beforeSequence {
			continue
		}
		out = append(out, msg)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
