// ABOUTME: WebSocket transport for a client session (chat + notifications)
// ABOUTME: Client ops drive ChatSession/NotificationSession; their events are written back as JSON frames

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/tradepost/internal/partner"
	"github.com/2389/tradepost/internal/session"
)

const (
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 128
	wsMaxFrameSize = 64 << 10
)

// Client ops
const (
	OpOpen        = "open"
	OpSend        = "send"
	OpDraft       = "draft"
	OpMarkRead    = "mark_read"
	OpMarkAllRead = "mark_all_read"
	OpRefresh     = "refresh"
	OpLogout      = "logout"
)

var errConnClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Callers are authenticated by token, not by cookie
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientOp is one inbound frame
type clientOp struct {
	Op              string `json:"op"`
	ConversationID  string `json:"conversation_id,omitempty"`
	Content         string `json:"content,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	NotificationID  string `json:"notification_id,omitempty"`
}

// wsConn serializes writes to one websocket through a buffered channel.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	ping   time.Duration
	logger *slog.Logger
}

func newWSConn(ws *websocket.Conn, ping time.Duration, logger *slog.Logger) *wsConn {
	if ping <= 0 {
		ping = 30 * time.Second
	}
	id := uuid.NewString()
	return &wsConn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		ping:   ping,
		logger: logger.With("connection_id", id),
	}
}

// enqueue never blocks. A client too slow to drain its buffer is disconnected.
func (c *wsConn) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		go c.close(websocket.ClosePolicyViolation, "send buffer full")
		return errors.New("send buffer full")
	}
}

// emit is the session Emitter for this connection
func (c *wsConn) emit(ev session.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("encoding event failed", "type", ev.Type, "error", err)
		return
	}
	if err := c.enqueue(payload); err != nil && !errors.Is(err, errConnClosed) {
		c.logger.Warn("dropping slow websocket client", "error", err)
	}
}

func (c *wsConn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(wsWriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// handleWebSocket runs one client session until the client leaves, logs out
// or the gateway shuts down.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(ws, g.config.Realtime.PingInterval, g.logger.With("user_id", userID))
	go conn.writeLoop()

	ctx, cancel := context.WithCancel(r.Context())
	chatSess := session.NewChatSession(userID, g.directory, g.stream, partner.NewResolver(g.store, g.logger), conn.emit, g.logger)
	notifSess := session.NewNotificationSession(userID, g.feed, conn.emit, g.logger)

	var ops sync.WaitGroup
	defer func() {
		cancel()
		ops.Wait()
		chatSess.Close()
		notifSess.Close()
		conn.close(websocket.CloseNormalClosure, "")
		conn.logger.Debug("websocket session ended")
	}()

	go func() {
		select {
		case <-ctx.Done():
			conn.close(websocket.CloseGoingAway, "server shutting down")
		case <-conn.done:
		}
	}()

	conn.logger.Debug("websocket session started")
	// Failures are reported to the client as error events
	_ = chatSess.Start(ctx)
	_ = notifSess.Start(ctx)

	ws.SetReadLimit(wsMaxFrameSize)
	pongWait := 2 * conn.ping
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var op clientOp
		if err := ws.ReadJSON(&op); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		if op.Op == OpLogout {
			chatSess.Reset()
			notifSess.Reset()
			return
		}
		// Opens run concurrently so a slow history fetch never blocks the
		// next switch; the session discards the superseded response.
		if op.Op == OpOpen || op.Op == OpRefresh {
			ops.Add(1)
			go func() {
				defer ops.Done()
				g.dispatch(ctx, op, chatSess, notifSess, conn)
			}()
			continue
		}
		g.dispatch(ctx, op, chatSess, notifSess, conn)
	}
}

// dispatch applies one client op to the sessions
func (g *Gateway) dispatch(ctx context.Context, op clientOp, chatSess *session.ChatSession, notifSess *session.NotificationSession, conn *wsConn) {
	fail := func(msg string, err error) {
		conn.logger.Debug("websocket op failed", "op", op.Op, "error", err)
		conn.emit(session.Event{Type: session.EventError, ConversationID: op.ConversationID, Error: msg})
	}

	switch op.Op {
	case OpOpen:
		if err := chatSess.Open(ctx, op.ConversationID); err != nil {
			fail("could not open conversation", err)
		}
	case OpSend:
		// ChatSession reports store failures itself as send_failed
		if _, err := chatSess.Send(ctx, op.Content, op.ClientMessageID); errors.Is(err, session.ErrNoActiveConversation) {
			fail("no conversation open", err)
		}
	case OpDraft:
		chatSess.SetDraft(op.Content)
	case OpMarkRead:
		if err := notifSess.MarkRead(ctx, op.NotificationID); err != nil {
			fail("could not mark notification read", err)
		}
	case OpMarkAllRead:
		if err := notifSess.MarkAllRead(ctx); err != nil {
			fail("could not mark notifications read", err)
		}
	case OpRefresh:
		_ = chatSess.Refresh(ctx)
		_ = notifSess.Start(ctx)
	default:
		fail("unknown op "+op.Op, nil)
	}
}
