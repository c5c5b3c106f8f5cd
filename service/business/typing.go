package business

import (
	"context"
	"sync"
	"time"
)

// typingBroker schedules the auto-clear of typing indicators. Each
// (thread, user) pair holds at most one pending clear; a follow-up typing
// event cancels and reschedules it, an explicit stop cancels it outright.
type typingBroker struct {
	mu       sync.Mutex
	timers   map[string]*time.Timer
	debounce time.Duration
	onClear  func(ctx context.Context, threadID, userID string)
	stopped  bool
}

func newTypingBroker(debounce time.Duration, onClear func(ctx context.Context, threadID, userID string)) *typingBroker {
	return &typingBroker{
		timers:   make(map[string]*time.Timer),
		debounce: debounce,
		onClear:  onClear,
	}
}

func typingKey(threadID, userID string) string {
	return threadID + ":" + userID
}

// Touch records typing activity, resetting the pending auto-clear.
func (tb *typingBroker) Touch(ctx context.Context, threadID, userID string) {
	key := typingKey(threadID, userID)

	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.stopped {
		return
	}

	if timer, ok := tb.timers[key]; ok {
		timer.Stop()
	}

	clearCtx := context.WithoutCancel(ctx)
	var timer *time.Timer
	timer = time.AfterFunc(tb.debounce, func() {
		tb.mu.Lock()
		// The timer may have been superseded or cancelled between firing and
		// acquiring the lock; only the currently registered timer clears.
		current := tb.timers[key] == timer
		if current {
			delete(tb.timers, key)
		}
		stopped := tb.stopped
		tb.mu.Unlock()

		if current && !stopped {
			tb.onClear(clearCtx, threadID, userID)
		}
	})
	tb.timers[key] = timer
}

// Cancel drops any pending auto-clear for the pair, used when the client
// explicitly stops typing.
func (tb *typingBroker) Cancel(threadID, userID string) {
	key := typingKey(threadID, userID)

	tb.mu.Lock()
	defer tb.mu.Unlock()

	if timer, ok := tb.timers[key]; ok {
		timer.Stop()
		delete(tb.timers, key)
	}
}

// Stop cancels all pending clears.
func (tb *typingBroker) Stop() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.stopped = true
	for key, timer := range tb.timers {
		timer.Stop()
		delete(tb.timers, key)
	}
}
