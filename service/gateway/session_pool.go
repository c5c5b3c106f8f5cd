package gateway

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

// poolShardCount must be a power of 2 for efficient modulo.
const poolShardCount = 32

type poolShard struct {
	mu sync.RWMutex
	// users maps userID to that user's live sessions keyed by session ID.
	users map[string]map[string]*Session
}

// sessionPool tracks live sessions sharded by user for high concurrency.
// Each shard has its own RWMutex so operations on different users rarely
// contend; global size is a lock-free atomic.
type sessionPool struct {
	shards      [poolShardCount]*poolShard
	hashSeed    maphash.Seed
	maxSize     int32
	perUserMax  int
	currentSize int32
}

func newSessionPool(maxSize int32, perUserMax int) *sessionPool {
	pool := &sessionPool{
		maxSize:    maxSize,
		perUserMax: perUserMax,
		hashSeed:   maphash.MakeSeed(),
	}

	for i := range poolShardCount {
		pool.shards[i] = &poolShard{
			users: make(map[string]map[string]*Session),
		}
	}

	return pool
}

func (p *sessionPool) getShard(userID string) *poolShard {
	h := maphash.String(p.hashSeed, userID)
	return p.shards[h&(poolShardCount-1)]
}

// add registers a session, enforcing both the global pool cap and the
// per-user session allowance.
func (p *sessionPool) add(s *Session) error {
	// Fast-path check without lock
	if atomic.LoadInt32(&p.currentSize) >= p.maxSize {
		return ErrSessionPoolFull
	}

	shard := p.getShard(s.UserID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	sessions := shard.users[s.UserID]
	if len(sessions) >= p.perUserMax {
		return ErrTooManySessions
	}

	if sessions == nil {
		sessions = make(map[string]*Session)
		shard.users[s.UserID] = sessions
	}
	if _, exists := sessions[s.ID]; !exists {
		sessions[s.ID] = s
		atomic.AddInt32(&p.currentSize, 1)
	}
	return nil
}

// get snapshots the user's live sessions. Returns nil when the user has none.
func (p *sessionPool) get(userID string) []*Session {
	shard := p.getShard(userID)

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	sessions := shard.users[userID]
	if len(sessions) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// remove deregisters a session. Reports whether the session was present and
// whether it was the last one carrying its device tag, so the caller can
// decide on a presence transition.
func (p *sessionPool) remove(s *Session) (removed, lastForDevice bool) {
	shard := p.getShard(s.UserID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	sessions := shard.users[s.UserID]
	if _, exists := sessions[s.ID]; !exists {
		return false, false
	}

	delete(sessions, s.ID)
	atomic.AddInt32(&p.currentSize, -1)

	lastForDevice = true
	for _, remaining := range sessions {
		if remaining.DeviceTag == s.DeviceTag {
			lastForDevice = false
			break
		}
	}
	if len(sessions) == 0 {
		delete(shard.users, s.UserID)
	}
	return true, lastForDevice
}

func (p *sessionPool) size() int32 {
	return atomic.LoadInt32(&p.currentSize)
}

func (p *sessionPool) userSessionCount(userID string) int {
	shard := p.getShard(userID)

	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return len(shard.users[userID])
}

// forEach iterates over every live session. Shard snapshots are taken under
// read locks; fn runs with no locks held.
func (p *sessionPool) forEach(fn func(*Session)) {
	var all []*Session

	for i := range poolShardCount {
		shard := p.shards[i]
		shard.mu.RLock()
		for _, sessions := range shard.users {
			for _, s := range sessions {
				all = append(all, s)
			}
		}
		shard.mu.RUnlock()
	}

	for _, s := range all {
		fn(s)
	}
}
