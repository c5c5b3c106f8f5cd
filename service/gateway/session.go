package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"

	"github.com/coachstream/service-messaging/internal"
	"github.com/coachstream/service-messaging/service/models"
)

// Session is one live client connection bound to an authenticated user.
type Session struct {
	ID        string
	UserID    string
	DeviceTag string

	stream   ClientStream
	outbound chan *models.WireEvent

	lastActive atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(userID, deviceTag string, stream ClientStream, sendBuffer int) *Session {
	s := &Session{
		ID:        util.IDString(),
		UserID:    userID,
		DeviceTag: deviceTag,
		stream:    stream,
		outbound:  make(chan *models.WireEvent, sendBuffer),
		done:      make(chan struct{}),
	}
	s.touch()
	return s
}

// Key is the session's registry key in the form userID:deviceTag.
func (s *Session) Key() string {
	return internal.SessionKey(s.UserID, s.DeviceTag)
}

// Enqueue places an outbound event on the session's buffer without blocking.
// Returns false when the session is closed or its buffer is full; a slow
// reader never stalls the sender.
func (s *Session) Enqueue(event *models.WireEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.outbound <- event:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive reports when the session last received client traffic.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Done is closed when the session has been shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
