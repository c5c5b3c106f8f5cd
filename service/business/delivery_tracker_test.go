package business

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachstream/service-messaging/service/models"
)

type recordedUpsert struct {
	threadID, messageID, recipientID, status string
}

type fakeReceiptStore struct {
	mu      sync.Mutex
	upserts []recordedUpsert
	err     error
}

func (f *fakeReceiptStore) UpsertStatus(_ context.Context, threadID, messageID, recipientID, status string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, recordedUpsert{threadID, messageID, recipientID, status})
	return f.err
}

func (f *fakeReceiptStore) recorded() []recordedUpsert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedUpsert(nil), f.upserts...)
}

func TestDeliveryTracker_ForwardTransitions(t *testing.T) {
	dt := NewDeliveryTracker(nil)
	ctx := context.Background()

	assert.True(t, dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusSent))
	assert.True(t, dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusDelivered))
	assert.True(t, dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusRead))

	assert.Equal(t, map[string]string{"bob": models.StatusRead}, dt.GetStatus("m1"))
}

func TestDeliveryTracker_NeverRegresses(t *testing.T) {
	dt := NewDeliveryTracker(nil)
	ctx := context.Background()

	dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusRead)

	assert.False(t, dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusDelivered))
	assert.False(t, dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusSent))
	assert.False(t, dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusRead)) // idempotent

	assert.Equal(t, models.StatusRead, dt.GetStatus("m1")["bob"])
}

func TestDeliveryTracker_FailedOnlyFromSent(t *testing.T) {
	dt := NewDeliveryTracker(nil)
	ctx := context.Background()

	dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusSent)
	assert.True(t, dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusFailed))

	// A later successful retry supersedes failed
	assert.True(t, dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusDelivered))

	// Delivered never degrades to failed
	assert.False(t, dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusFailed))
	assert.Equal(t, models.StatusDelivered, dt.GetStatus("m1")["bob"])
}

func TestDeliveryTracker_PerRecipientIndependence(t *testing.T) {
	dt := NewDeliveryTracker(nil)
	ctx := context.Background()

	dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusSent)
	dt.RecordStatus(ctx, "t1", "m1", "carol", models.StatusSent)
	dt.RecordStatus(ctx, "t1", "m1", "carol", models.StatusDelivered)

	status := dt.GetStatus("m1")
	assert.Equal(t, models.StatusSent, status["bob"])
	assert.Equal(t, models.StatusDelivered, status["carol"])
}

func TestDeliveryTracker_UnknownMessage(t *testing.T) {
	dt := NewDeliveryTracker(nil)

	assert.Empty(t, dt.GetStatus("missing"))
	assert.Zero(t, dt.IncrementRetry("missing", "bob"))
}

func TestDeliveryTracker_IncrementRetry(t *testing.T) {
	dt := NewDeliveryTracker(nil)
	ctx := context.Background()

	dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusSent)

	assert.Equal(t, int32(1), dt.IncrementRetry("m1", "bob"))
	assert.Equal(t, int32(2), dt.IncrementRetry("m1", "bob"))
}

func TestDeliveryTracker_WriteThrough(t *testing.T) {
	store := &fakeReceiptStore{}
	dt := NewDeliveryTracker(store)
	ctx := context.Background()

	dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusSent)
	dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusSent) // no-op, not written

	upserts := store.recorded()
	require.Len(t, upserts, 1)
	assert.Equal(t, recordedUpsert{"t1", "m1", "bob", models.StatusSent}, upserts[0])
}

func TestDeliveryTracker_StoreFailureKeepsLedger(t *testing.T) {
	store := &fakeReceiptStore{err: assert.AnError}
	dt := NewDeliveryTracker(store)
	ctx := context.Background()

	assert.True(t, dt.RecordStatus(ctx, "t1", "m1", "bob", models.StatusSent))
	assert.Equal(t, models.StatusSent, dt.GetStatus("m1")["bob"])
}

func TestDeliveryTracker_ConcurrentRecipients(t *testing.T) {
	dt := NewDeliveryTracker(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	const recipients = 100

	for i := range recipients {
		recipientID := fmt.Sprintf("user-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dt.RecordStatus(ctx, "t1", "m1", recipientID, models.StatusSent)
			dt.RecordStatus(ctx, "t1", "m1", recipientID, models.StatusDelivered)
		}()
	}

	wg.Wait()

	status := dt.GetStatus("m1")
	require.Len(t, status, recipients)
	for _, s := range status {
		assert.Equal(t, models.StatusDelivered, s)
	}
}
