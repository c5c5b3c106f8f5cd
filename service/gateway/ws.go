package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pitabwire/util"

	"github.com/coachstream/service-messaging/service"
	"github.com/coachstream/service-messaging/service/models"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 64 * 1024
)

// Handler upgrades HTTP requests to websocket sessions and serves them
// through the gateway.
type Handler struct {
	gw       *Gateway
	upgrader websocket.Upgrader
	// pongWait is how long a silent peer is tolerated before the read fails.
	pongWait time.Duration
}

// NewHandler builds the websocket endpoint for gw.
func NewHandler(gw *Gateway) *Handler {
	return &Handler{
		gw: gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		pongWait: gw.settings.HeartbeatInterval * staleThresholdMultiplier,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("websocket upgrade failed")
		return
	}

	stream := newWSStream(conn, h.pongWait)

	session, err := h.gw.Connect(ctx, bearerToken(r), deviceTag(r), stream)
	if err != nil {
		code := websocket.CloseTryAgainLater
		if service.CodeOf(err) == service.CodeUnauthenticated {
			code = websocket.ClosePolicyViolation
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, service.CodeOf(err)),
			time.Now().Add(wsWriteWait),
		)
		_ = stream.Close()
		return
	}

	_ = h.gw.Serve(ctx, session)
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func deviceTag(r *http.Request) string {
	if tag := r.URL.Query().Get("device"); tag != "" {
		return tag
	}
	return "web"
}

// wsStream adapts a gorilla websocket connection to the ClientStream
// contract. The gateway's write loop is the only caller of Send, but the
// keepalive pinger also writes, so writes are serialised with a mutex.
type wsStream struct {
	conn     *websocket.Conn
	pongWait time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newWSStream(conn *websocket.Conn, pongWait time.Duration) *wsStream {
	ws := &wsStream{
		conn:     conn,
		pongWait: pongWait,
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go ws.keepalive()

	return ws
}

func (ws *wsStream) Receive(_ context.Context) (*models.WireEvent, error) {
	_, payload, err := ws.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	// Inbound traffic proves liveness just as well as a pong does.
	_ = ws.conn.SetReadDeadline(time.Now().Add(ws.pongWait))

	var event models.WireEvent
	if err = json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func (ws *wsStream) Send(_ context.Context, event *models.WireEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	if err = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return ws.conn.WriteMessage(websocket.TextMessage, payload)
}

func (ws *wsStream) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.done)
		err = ws.conn.Close()
	})
	return err
}

// keepalive pings the peer often enough that a healthy connection never hits
// the read deadline.
func (ws *wsStream) keepalive() {
	interval := ws.pongWait * 9 / 10 / staleThresholdMultiplier
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ws.writeMu.Lock()
			err := ws.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			ws.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ws.done:
			return
		}
	}
}
