package broadcast

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldsentry/fieldsentry/internal/identity"
	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Device and dashboard clients connect from app origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TokenResolver resolves a bearer token into an Identity. Satisfied by
// identity.Resolver.
type TokenResolver interface {
	Resolve(ctx context.Context, bearerToken string) (identity.Identity, error)
}

// AckFunc forwards a client emergency acknowledgment.
type AckFunc func(alertID string, userID string) error

// clientMessage is the only client→server message shape besides pings.
type clientMessage struct {
	Type    string `json:"type"`
	AlertID string `json:"alertId,omitempty"`
}

// Handler upgrades an authenticated HTTP request to a websocket connection
// and registers it with the broadcaster. Room assignment comes exclusively
// from the resolved identity.
func Handler(resolver TokenResolver, b *Broadcaster, ack AckFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := resolver.Resolve(c.Request.Context(), bearerToken(c))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"reason": "unauthorized"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			zap.S().Debugf("Websocket upgrade failed: %s", err)
			return
		}

		transport := newWSTransport(ws)
		conn := b.Connect(id, transport)

		go pingLoop(conn, transport)
		readPump(b, conn, ws, ack)
	}
}

func bearerToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Browser websocket clients cannot set headers
	return c.Query("token")
}

// wsTransport writes JSON-encoded events to a gorilla websocket connection.
// A mutex serializes event and ping writes; gorilla allows one writer at a
// time.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteEvent(ev datamodel.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) writePing() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func pingLoop(conn *Connection, transport *wsTransport) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := transport.writePing(); err != nil {
				return
			}
		}
	}
}

func readPump(b *Broadcaster, conn *Connection, ws *websocket.Conn, ack AckFunc) {
	defer b.Disconnect(conn.ID, "client gone")

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			zap.S().Debugf("Ignoring malformed client message from %s", conn.ID)
			continue
		}

		switch msg.Type {
		case "acknowledgeEmergency":
			if ack == nil || msg.AlertID == "" {
				continue
			}
			if err := ack(msg.AlertID, conn.Identity.UserID()); err != nil {
				zap.S().Warnw("Emergency acknowledgment failed",
					"alertId", msg.AlertID, "user", conn.Identity.UserID(), "error", err)
			}
		case "ping":
			// application-level heartbeat, read deadline already extended
		default:
			zap.S().Debugf("Ignoring unknown client message type %q", msg.Type)
		}
	}
}
