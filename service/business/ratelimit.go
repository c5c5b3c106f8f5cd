package business

import (
	"math"
	"sync"
	"time"

	"github.com/coachstream/service-messaging/internal"
)

const rateLimitShardCount = 32

type rateWindow struct {
	start time.Time
	count int
}

type rateLimitShard struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
}

// rateLimiter implements a per-sender fixed window shared across the
// sender's sessions. Up to maxCount sends pass cleanly; the burst band up to
// hardLimit passes with a warning; beyond that sends are rejected until the
// window rolls over.
type rateLimiter struct {
	shards    [rateLimitShardCount]*rateLimitShard
	window    time.Duration
	maxCount  int
	hardLimit int
}

// NewRateLimiter creates a rate limiter with the given window length, soft
// limit and burst factor.
func NewRateLimiter(window time.Duration, maxCount int, burstFactor float64) RateLimiter {
	rl := &rateLimiter{
		window:    window,
		maxCount:  maxCount,
		hardLimit: int(math.Floor(float64(maxCount) * burstFactor)),
	}
	for i := range rateLimitShardCount {
		rl.shards[i] = &rateLimitShard{windows: make(map[string]*rateWindow)}
	}
	return rl
}

// Allow counts one send attempt for the sender and returns the verdict.
// A single counter per sender keeps the check correct when the same sender
// is connected on several devices.
func (rl *rateLimiter) Allow(senderID string) Verdict {
	now := time.Now()
	s := rl.shards[internal.ShardForKey(senderID, rateLimitShardCount)]

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[senderID]
	if !ok || now.Sub(w.start) >= rl.window {
		s.windows[senderID] = &rateWindow{start: now, count: 1}
		return Verdict{Allowed: true}
	}

	w.count++
	switch {
	case w.count <= rl.maxCount:
		return Verdict{Allowed: true}
	case w.count <= rl.hardLimit:
		return Verdict{Allowed: true, Warned: true}
	default:
		return Verdict{RetryAfter: w.start.Add(rl.window).Sub(now)}
	}
}
