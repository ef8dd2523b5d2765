// Package gateway exposes sessions to browsers over WebSocket. Each
// connection attaches to one session's bridge: the read pump parses typed
// command frames, the write pump streams stamped envelopes with keepalive
// pings.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/auth"
	"github.com/companionhq/companion/internal/bridge"
	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// SessionRegistry resolves a session id to its live bridge.
type SessionRegistry interface {
	Bridge(sessionID string) (*bridge.Bridge, error)
}

// Gateway serves the browser WebSocket endpoint.
type Gateway struct {
	registry SessionRegistry
	gate     *auth.Gate
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// New creates a gateway.
func New(registry SessionRegistry, gate *auth.Gate, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Default()
	}
	return &Gateway{
		registry: registry,
		gate:     gate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon binds loopback; auth happens via the token gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "browser-gateway")),
	}
}

// Register mounts the WebSocket route.
func (g *Gateway) Register(r gin.IRouter) {
	r.GET("/ws/browser/:sessionId", g.handleBrowser)
}

func (g *Gateway) handleBrowser(c *gin.Context) {
	if g.gate != nil && !g.gate.Authorize(c.Request) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sessionID := c.Param("sessionId")
	br, err := g.registry.Bridge(sessionID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown session: " + sessionID})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &client{
		conn:   conn,
		bridge: br,
		errs:   make(chan string, 16),
		logger: g.logger.WithFields(zap.String("session_id", sessionID)),
	}
	client.run(c.Request.Context())
}

// client is one attached browser connection. All conn writes happen on the
// write pump; the read pump surfaces command errors through errs.
type client struct {
	conn   *websocket.Conn
	bridge *bridge.Bridge
	sub    *bridge.Subscription
	errs   chan string
	logger *logger.Logger
}

// run drives the connection. The first frame must be session_subscribe with
// the client's resume cursor; everything before that is rejected.
func (c *client) run(ctx context.Context) {
	defer c.conn.Close()

	sub, ok := c.awaitSubscribe()
	if !ok {
		return
	}
	c.sub = sub
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump(ctx)
	sub.Close()
	<-done
}

// awaitSubscribe reads frames until a valid session_subscribe arrives.
func (c *client) awaitSubscribe() (*bridge.Subscription, bool) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return nil, false
		}
		var cmd protocol.Command
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Type != protocol.CmdSessionSubscribe {
			c.writeError("expected session_subscribe")
			continue
		}
		sub, err := c.bridge.Subscribe(cmd.LastSeq)
		if err != nil {
			c.writeError(err.Error())
			return nil, false
		}
		c.logger.Debug("browser subscribed", zap.Uint64("last_seq", cmd.LastSeq))
		return sub, true
	}
}

// readPump pumps commands from the browser to the bridge.
func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var cmd protocol.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.queueError("invalid command frame")
			continue
		}

		switch cmd.Type {
		case protocol.CmdSessionSubscribe:
			// Already attached; a re-subscribe on a live connection is a
			// client bug, not a resume.
			c.queueError("already subscribed")
		case protocol.CmdSessionAck:
			c.sub.Ack(cmd.LastSeq)
		default:
			if protocol.IsIdempotentCommand(cmd.Type) && cmd.ClientMsgID == "" {
				cmd.ClientMsgID = uuid.New().String()
			}
			if err := c.bridge.HandleCommand(ctx, &cmd); err != nil {
				c.logger.Debug("command failed",
					zap.String("type", cmd.Type), zap.Error(err))
				c.queueError(err.Error())
			}
		}
	}
}

// writePump pumps bridge envelopes to the browser and keeps the connection
// alive with pings. It exits when the subscription channel closes.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.sub.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Dropped by the bridge or the session was killed.
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"))
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				c.logger.Warn("failed to marshal envelope", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case msg := <-c.errs:
			if !c.writeError(msg) {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// queueError hands an error to the write pump; a full queue drops it.
func (c *client) queueError(msg string) {
	select {
	case c.errs <- msg:
	default:
	}
}

// writeError writes an unstamped error envelope. Safe only on the goroutine
// currently owning the connection.
func (c *client) writeError(msg string) bool {
	evt, err := protocol.NewEnvelope(protocol.EventError, protocol.SourceRoutes, c.bridge.SessionID(),
		protocol.ErrorData{Message: msg})
	if err != nil {
		return true
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return true
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}
