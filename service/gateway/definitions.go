// Package gateway manages duplex client sessions: authentication, the
// per-user session pool, inbound event routing and outbound delivery.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/frame/security"

	"github.com/coachstream/service-messaging/service"
	"github.com/coachstream/service-messaging/service/models"
)

var (
	// ErrShuttingDown is returned when an operation arrives after Stop.
	ErrShuttingDown = errors.New("gateway is shutting down")

	// ErrSessionPoolFull is returned when the global session cap is reached.
	ErrSessionPoolFull = errors.New("session pool is full")

	// ErrTooManySessions is returned when a single user exceeds their
	// concurrent session allowance.
	ErrTooManySessions = errors.New("too many concurrent sessions for user")
)

// ClientStream is one duplex transport to a connected client. The websocket
// transport implements it for production; tests supply in-memory streams.
type ClientStream interface {
	// Receive blocks until the next inbound event or a transport error.
	Receive(ctx context.Context) (*models.WireEvent, error)
	// Send pushes one outbound event to the client.
	Send(ctx context.Context, event *models.WireEvent) error
	Close() error
}

// Authenticator resolves a connection credential to a user identity. Identity
// verification itself lives with the external identity collaborator; the
// gateway only consumes its outcome.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// ClaimsAuthenticator resolves the user from validated authentication claims
// already present on the request context.
type ClaimsAuthenticator struct{}

func (ClaimsAuthenticator) Authenticate(ctx context.Context, _ string) (string, error) {
	claims := security.ClaimsFromContext(ctx)
	if claims == nil {
		return "", service.ErrUnauthenticated
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", service.ErrUnauthenticated
	}

	return subject, nil
}

// Settings tunes the gateway's session handling.
type Settings struct {
	// HeartbeatInterval is the expected client heartbeat cadence. Sessions
	// silent for staleThresholdMultiplier heartbeats are reaped.
	HeartbeatInterval time.Duration

	MaxSessionsPerUser int
	SessionPoolSize    int

	// SendBufferSize is the per-session outbound buffer. A session whose
	// buffer is full fails the send rather than blocking the pipeline.
	SendBufferSize int
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultSendBufferSize    = 64

	staleThresholdMultiplier = 3
)

// DefaultSettings returns production defaults.
func DefaultSettings() Settings {
	return Settings{
		HeartbeatInterval:  defaultHeartbeatInterval,
		MaxSessionsPerUser: 5,
		SessionPoolSize:    10000,
		SendBufferSize:     defaultSendBufferSize,
	}
}

func (s Settings) withDefaults() Settings {
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = defaultHeartbeatInterval
	}
	if s.MaxSessionsPerUser <= 0 {
		s.MaxSessionsPerUser = 5
	}
	if s.SessionPoolSize <= 0 {
		s.SessionPoolSize = 10000
	}
	if s.SendBufferSize <= 0 {
		s.SendBufferSize = defaultSendBufferSize
	}
	return s
}
