package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/util"

	msgtel "github.com/coachstream/service-messaging/internal/telemetry"
	"github.com/coachstream/service-messaging/service"
	"github.com/coachstream/service-messaging/service/business"
	"github.com/coachstream/service-messaging/service/models"
)

// Gateway owns the live session pool. It authenticates connections, routes
// inbound events into the message pipeline, pushes outbound events to
// sessions and reaps sessions that stop heartbeating.
//
// It implements the pipeline's Deliverer seam.
type Gateway struct {
	settings Settings

	auth     Authenticator
	presence business.PresenceTracker

	mu       sync.RWMutex
	pipeline business.MessagePipeline

	pool *sessionPool

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewGateway builds a gateway and starts its stale session sweeper.
func NewGateway(ctx context.Context, settings Settings, auth Authenticator, presence business.PresenceTracker) *Gateway {
	settings = settings.withDefaults()

	g := &Gateway{
		settings:   settings,
		auth:       auth,
		presence:   presence,
		pool:       newSessionPool(int32(settings.SessionPoolSize), settings.MaxSessionsPerUser), //nolint:gosec // bounded by config validation
		shutdownCh: make(chan struct{}),
	}

	// Presence transitions are pushed to every live session so clients can
	// render peer availability without polling.
	presence.Subscribe(func(ctx context.Context, change business.PresenceChange) {
		event, err := models.NewWireEvent(models.EventTypePresence, &models.PresenceOut{
			UserID:   change.UserID,
			Status:   change.Status,
			LastSeen: change.LastSeen,
		})
		if err != nil {
			return
		}
		g.Broadcast(ctx, event)
	})

	g.wg.Add(1)
	go g.sweepStaleSessions(ctx)

	return g
}

// AttachPipeline binds the inbound event consumer. The gateway and the
// pipeline reference each other, so the pipeline is attached after both are
// constructed.
func (g *Gateway) AttachPipeline(p business.MessagePipeline) {
	g.mu.Lock()
	g.pipeline = p
	g.mu.Unlock()
}

func (g *Gateway) getPipeline() business.MessagePipeline {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pipeline
}

// Connect authenticates the credential, registers a session for the stream
// and marks the user's device online. The connected acknowledgment is queued
// for delivery once Serve starts pumping.
func (g *Gateway) Connect(ctx context.Context, token, deviceTag string, stream ClientStream) (*Session, error) {
	select {
	case <-g.shutdownCh:
		return nil, ErrShuttingDown
	default:
	}

	msgtel.ConnectionsTotalCounter.Add(ctx, 1)

	userID, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		msgtel.ConnectionsFailedCounter.Add(ctx, 1)
		return nil, fmt.Errorf("%w: %w", service.ErrUnauthenticated, err)
	}

	s := newSession(userID, deviceTag, stream, g.settings.SendBufferSize)
	if err = g.pool.add(s); err != nil {
		msgtel.ConnectionsFailedCounter.Add(ctx, 1)
		return nil, err
	}

	msgtel.ConnectionsActiveGauge.Add(ctx, 1)
	g.presence.MarkOnline(ctx, userID, deviceTag)

	ack, ackErr := models.NewWireEvent(models.EventTypeConnected, map[string]string{
		"sessionId": s.ID,
		"userId":    userID,
	})
	if ackErr == nil {
		s.Enqueue(ack)
	}

	util.Log(ctx).WithFields(map[string]any{
		"session_id": s.ID,
		"user_id":    userID,
		"device_tag": deviceTag,
		"pool_size":  g.pool.size(),
	}).Debug("session connected")

	return s, nil
}

// Serve pumps the session's inbound and outbound traffic until the stream
// fails, the context ends or the gateway shuts down. It always disconnects
// the session before returning.
func (g *Gateway) Serve(ctx context.Context, s *Session) error {
	g.wg.Add(1)
	defer g.wg.Done()
	defer g.Disconnect(ctx, s)

	errCh := make(chan error, 2)

	go g.writeLoop(ctx, s, errCh)
	go g.readLoop(ctx, s, errCh)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			util.Log(ctx).WithError(err).
				WithField("session_id", s.ID).
				Debug("session stream ended")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	case <-g.shutdownCh:
		return ErrShuttingDown
	}
}

func (g *Gateway) writeLoop(ctx context.Context, s *Session, errCh chan<- error) {
	for {
		select {
		case event := <-s.outbound:
			if err := s.stream.Send(ctx, event); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-g.shutdownCh:
			return
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, s *Session, errCh chan<- error) {
	for {
		select {
		case <-s.done:
			return
		case <-g.shutdownCh:
			return
		default:
		}

		event, err := s.stream.Receive(ctx)
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}

		s.touch()
		g.routeInbound(ctx, s, event)
	}
}

// routeInbound dispatches one client event. Routing failures are reported
// back on the session's error event; they never terminate the connection.
func (g *Gateway) routeInbound(ctx context.Context, s *Session, event *models.WireEvent) {
	if event == nil {
		return
	}

	pipeline := g.getPipeline()
	if pipeline == nil {
		g.sendError(s, service.ErrStorageUnavailable)
		return
	}

	switch event.Type {
	case models.EventTypeMessage:
		var in models.MessageIn
		if err := event.Decode(&in); err != nil {
			g.sendError(s, service.ErrInvalidEvent)
			return
		}

		msg, err := pipeline.SendMessage(ctx, business.SendCommand{
			ThreadID:       in.ThreadID,
			SenderID:       s.UserID,
			Kind:           in.Kind,
			Content:        in.Content,
			IdempotencyKey: in.IdempotencyKey,
			ReplyTo:        in.ReplyTo,
		})
		if err != nil {
			g.sendError(s, err)
			return
		}

		ack, ackErr := models.NewWireEvent(models.EventTypeMessageAck, &models.MessageAckOut{
			MessageID: msg.GetID(),
			Status:    models.StatusSent,
			Sequence:  msg.Sequence,
		})
		if ackErr == nil {
			s.Enqueue(ack)
		}

	case models.EventTypeTyping:
		var in models.TypingIn
		if err := event.Decode(&in); err != nil {
			g.sendError(s, service.ErrInvalidEvent)
			return
		}
		if err := pipeline.Typing(ctx, in.ThreadID, s.UserID, in.IsTyping); err != nil {
			g.sendError(s, err)
		}

	case models.EventTypeRead:
		var in models.ReadIn
		if err := event.Decode(&in); err != nil {
			g.sendError(s, service.ErrInvalidEvent)
			return
		}
		if err := pipeline.MarkRead(ctx, in.ThreadID, in.MessageID, s.UserID); err != nil {
			g.sendError(s, err)
		}

	case models.EventTypeDelivered:
		var in models.DeliveredIn
		if err := event.Decode(&in); err != nil {
			g.sendError(s, service.ErrInvalidEvent)
			return
		}
		if err := pipeline.AckDelivered(ctx, in.MessageID, s.UserID); err != nil {
			g.sendError(s, err)
		}

	case models.EventTypePresence:
		g.presence.Heartbeat(ctx, s.UserID)

	default:
		g.sendError(s, service.ErrInvalidEvent)
	}
}

func (g *Gateway) sendError(s *Session, err error) {
	payload := &models.ErrorOut{
		Code:    service.CodeOf(err),
		Message: err.Error(),
	}
	var rle *service.RateLimitError
	if errors.As(err, &rle) {
		payload.RetryAfterMs = rle.RetryAfter.Milliseconds()
	}

	out, buildErr := models.NewWireEvent(models.EventTypeError, payload)
	if buildErr != nil {
		return
	}
	s.Enqueue(out)
}

// Disconnect removes the session from the pool, closes it and, when it was
// the device's last session, marks the device offline. Safe to call more
// than once.
func (g *Gateway) Disconnect(ctx context.Context, s *Session) {
	removed, lastForDevice := g.pool.remove(s)
	s.close()
	_ = s.stream.Close()

	if !removed {
		return
	}

	msgtel.ConnectionsActiveGauge.Add(ctx, -1)
	if lastForDevice {
		g.presence.MarkOffline(ctx, s.UserID, s.DeviceTag)
	}

	util.Log(ctx).WithFields(map[string]any{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"pool_size":  g.pool.size(),
	}).Debug("session disconnected")
}

// Send pushes event to every live session of userID. Returns true when at
// least one session accepted it. Sessions with full buffers are skipped.
func (g *Gateway) Send(_ context.Context, userID string, event *models.WireEvent) bool {
	delivered := false
	for _, s := range g.pool.get(userID) {
		if s.Enqueue(event) {
			delivered = true
		}
	}
	return delivered
}

// Broadcast pushes event to every live session in the pool.
func (g *Gateway) Broadcast(_ context.Context, event *models.WireEvent) {
	g.pool.forEach(func(s *Session) {
		s.Enqueue(event)
	})
}

// SessionCount reports the number of live sessions.
func (g *Gateway) SessionCount() int {
	return int(g.pool.size())
}

// sweepStaleSessions reaps sessions that have been silent for three
// heartbeat intervals.
func (g *Gateway) sweepStaleSessions(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.settings.HeartbeatInterval)
	defer ticker.Stop()

	staleAfter := g.settings.HeartbeatInterval * staleThresholdMultiplier

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-staleAfter)
			var stale []*Session
			g.pool.forEach(func(s *Session) {
				if s.LastActive().Before(cutoff) {
					stale = append(stale, s)
				}
			})

			for _, s := range stale {
				util.Log(ctx).WithFields(map[string]any{
					"session_id":  s.ID,
					"user_id":     s.UserID,
					"last_active": s.LastActive(),
				}).Info("reaping stale session")
				g.Disconnect(ctx, s)
			}
		case <-ctx.Done():
			return
		case <-g.shutdownCh:
			return
		}
	}
}

// Stop disconnects every session and waits for in-flight pumps to finish.
func (g *Gateway) Stop(ctx context.Context) {
	g.shutdownOnce.Do(func() {
		close(g.shutdownCh)

		g.pool.forEach(func(s *Session) {
			g.Disconnect(ctx, s)
		})

		g.wg.Wait()
	})
}
