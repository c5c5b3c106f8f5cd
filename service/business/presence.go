package business

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/coachstream/service-messaging/internal"
)

const presenceShardCount = 32

type presenceEntry struct {
	status   string
	lastSeen time.Time
	devices  map[string]struct{}
}

type presenceShard struct {
	mu      sync.RWMutex
	records map[string]*presenceEntry
}

// presenceTracker maintains per-user presence with a background sweep that
// expires records whose heartbeat went stale. State is sharded by user ID so
// concurrent updates for different users do not contend.
type presenceTracker struct {
	shards        [presenceShardCount]*presenceShard
	ttl           time.Duration
	sweepInterval time.Duration

	subMu       sync.RWMutex
	subscribers []func(ctx context.Context, change PresenceChange)

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewPresenceTracker creates a presence tracker and starts its expiry sweep.
func NewPresenceTracker(ctx context.Context, ttl, sweepInterval time.Duration) PresenceTracker {
	pt := &presenceTracker{
		ttl:           ttl,
		sweepInterval: sweepInterval,
		shutdownCh:    make(chan struct{}),
	}
	for i := range presenceShardCount {
		pt.shards[i] = &presenceShard{records: make(map[string]*presenceEntry)}
	}

	pt.wg.Add(1)
	go pt.sweepLoop(ctx)

	return pt
}

func (pt *presenceTracker) shard(userID string) *presenceShard {
	return pt.shards[internal.ShardForKey(userID, presenceShardCount)]
}

// MarkOnline registers an active device for the user. The first device of an
// offline user transitions them online and notifies subscribers.
func (pt *presenceTracker) MarkOnline(ctx context.Context, userID, deviceTag string) {
	now := time.Now()
	s := pt.shard(userID)

	s.mu.Lock()
	entry, ok := s.records[userID]
	if !ok {
		entry = &presenceEntry{status: PresenceOffline, devices: make(map[string]struct{})}
		s.records[userID] = entry
	}
	entry.devices[deviceTag] = struct{}{}
	entry.lastSeen = now
	changed := entry.status != PresenceOnline
	entry.status = PresenceOnline
	s.mu.Unlock()

	if changed {
		pt.notify(ctx, PresenceChange{UserID: userID, Status: PresenceOnline, LastSeen: now})
	}
}

// MarkOffline deregisters a device. Only the last device transitions the
// user offline; other live sessions keep them reachable.
func (pt *presenceTracker) MarkOffline(ctx context.Context, userID, deviceTag string) {
	now := time.Now()
	s := pt.shard(userID)

	s.mu.Lock()
	entry, ok := s.records[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(entry.devices, deviceTag)
	changed := len(entry.devices) == 0 && entry.status != PresenceOffline
	if changed {
		entry.status = PresenceOffline
		entry.lastSeen = now
	}
	s.mu.Unlock()

	if changed {
		pt.notify(ctx, PresenceChange{UserID: userID, Status: PresenceOffline, LastSeen: now})
	}
}

// Heartbeat refreshes the user's liveness. A heartbeat from an expired user
// brings them back online even with no registered device.
func (pt *presenceTracker) Heartbeat(ctx context.Context, userID string) {
	now := time.Now()
	s := pt.shard(userID)

	s.mu.Lock()
	entry, ok := s.records[userID]
	if !ok {
		entry = &presenceEntry{status: PresenceOffline, devices: make(map[string]struct{})}
		s.records[userID] = entry
	}
	entry.lastSeen = now
	changed := entry.status != PresenceOnline
	entry.status = PresenceOnline
	s.mu.Unlock()

	if changed {
		pt.notify(ctx, PresenceChange{UserID: userID, Status: PresenceOnline, LastSeen: now})
	}
}

// IsOnline reports whether the user is reachable for live delivery. Away
// users still hold live sessions and count as reachable; only offline or
// TTL-expired users do not.
func (pt *presenceTracker) IsOnline(userID string) bool {
	s := pt.shard(userID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.records[userID]
	if !ok || entry.status == PresenceOffline {
		return false
	}
	return time.Since(entry.lastSeen) <= pt.ttl
}

// Get returns a snapshot of the user's presence record.
func (pt *presenceTracker) Get(userID string) (PresenceRecord, bool) {
	s := pt.shard(userID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.records[userID]
	if !ok {
		return PresenceRecord{}, false
	}
	return PresenceRecord{
		UserID:      userID,
		Status:      entry.status,
		LastSeen:    entry.lastSeen,
		Connections: len(entry.devices),
	}, true
}

// Subscribe registers a callback for presence transitions. Callbacks run
// synchronously on the goroutine that triggered the change and must not block.
func (pt *presenceTracker) Subscribe(fn func(ctx context.Context, change PresenceChange)) {
	pt.subMu.Lock()
	pt.subscribers = append(pt.subscribers, fn)
	pt.subMu.Unlock()
}

// Stop terminates the sweep loop and waits for it to exit.
func (pt *presenceTracker) Stop() {
	pt.shutdownOnce.Do(func() {
		close(pt.shutdownCh)
	})
	pt.wg.Wait()
}

func (pt *presenceTracker) notify(ctx context.Context, change PresenceChange) {
	pt.subMu.RLock()
	subs := pt.subscribers
	pt.subMu.RUnlock()

	for _, fn := range subs {
		fn(ctx, change)
	}
}

// sweepLoop expires stale records on a fixed interval. A user whose last
// heartbeat is older than half the TTL degrades to away; older than the full
// TTL expires to offline. Expiry affects routing only, it never terminates a
// session.
func (pt *presenceTracker) sweepLoop(ctx context.Context) {
	defer pt.wg.Done()

	ticker := time.NewTicker(pt.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pt.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pt.sweep(ctx)
		}
	}
}

func (pt *presenceTracker) sweep(ctx context.Context) {
	now := time.Now()
	var changes []PresenceChange

	for i := range presenceShardCount {
		s := pt.shards[i]
		s.mu.Lock()
		for userID, entry := range s.records {
			if entry.status == PresenceOffline {
				continue
			}
			stale := now.Sub(entry.lastSeen)
			switch {
			case stale > pt.ttl:
				entry.status = PresenceOffline
				changes = append(changes, PresenceChange{UserID: userID, Status: PresenceOffline, LastSeen: entry.lastSeen})
			case stale > pt.ttl/2 && entry.status == PresenceOnline:
				entry.status = PresenceAway
				changes = append(changes, PresenceChange{UserID: userID, Status: PresenceAway, LastSeen: entry.lastSeen})
			}
		}
		s.mu.Unlock()
	}

	if len(changes) > 0 {
		util.Log(ctx).WithField("expired", len(changes)).Debug("presence sweep applied transitions")
	}

	for _, change := range changes {
		pt.notify(ctx, change)
	}
}
