// ABOUTME: Tests for the live transports: SSE streams and the WebSocket session
// ABOUTME: Reads real frames from an httptest server backed by MockStore

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tradepost/internal/auth"
	"github.com/2389/tradepost/internal/session"
)

type sseEvent struct {
	Name string
	Data string
}

// openSSE starts a stream as user and returns a channel of parsed events
func (tg *testGateway) openSSE(t *testing.T, user, path string) (<-chan sseEvent, int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tg.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set(auth.DevUserHeader, user)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, resp.StatusCode
	}
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 16)
	go func() {
		defer resp.Body.Close()
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.Name != "":
				events <- ev
				ev = sseEvent{}
			}
		}
	}()
	return events, http.StatusOK
}

func nextSSE(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream ended")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

func TestConversationEventsStream(t *testing.T) {
	tg := newTestGateway(t)
	conv := tg.openConversation(t, "buyer", "acme", "")

	events, status := tg.openSSE(t, "acme", "/api/conversations/"+conv.ID+"/events")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", nextSSE(t, events).Name)

	require.Equal(t, http.StatusCreated, tg.do(t, "buyer", http.MethodPost, "/api/conversations/"+conv.ID+"/messages",
		map[string]string{"content": "_hello_"}, nil))

	ev := nextSSE(t, events)
	assert.Equal(t, "message", ev.Name)
	var msg messageJSON
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &msg))
	assert.Equal(t, "_hello_", msg.Content)
	assert.Contains(t, msg.HTML, "<em>hello</em>")
}

func TestConversationEventsRequireParticipant(t *testing.T) {
	tg := newTestGateway(t)
	conv := tg.openConversation(t, "buyer", "acme", "")

	_, status := tg.openSSE(t, "mallory", "/api/conversations/"+conv.ID+"/events")
	assert.Equal(t, http.StatusForbidden, status)
	_, status = tg.openSSE(t, "buyer", "/api/conversations/nope/events")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestNotificationEventsStream(t *testing.T) {
	tg := newTestGateway(t)
	conv := tg.openConversation(t, "buyer", "acme", "")

	events, status := tg.openSSE(t, "acme", "/api/notifications/events")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", nextSSE(t, events).Name)

	require.Equal(t, http.StatusCreated, tg.do(t, "buyer", http.MethodPost, "/api/conversations/"+conv.ID+"/messages",
		map[string]string{"content": "quote please"}, nil))

	ev := nextSSE(t, events)
	assert.Equal(t, "notification", ev.Name)
	assert.Contains(t, ev.Data, "quote please")
	assert.Contains(t, ev.Data, `"recipient_id":"acme"`)
}

func dialWS(t *testing.T, tg *testGateway, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "/api/ws?user_id=" + user
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil returns the first event of the given type, skipping others
func readUntil(t *testing.T, ws *websocket.Conn, typ string) session.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		var ev session.Event
		require.NoError(t, ws.ReadJSON(&ev), "waiting for %s", typ)
		if ev.Type == typ {
			return ev
		}
	}
}

func TestWebSocketSession(t *testing.T) {
	tg := newTestGateway(t)
	conv := tg.openConversation(t, "buyer", "acme", "")
	require.Equal(t, http.StatusCreated, tg.do(t, "acme", http.MethodPost, "/api/conversations/"+conv.ID+"/messages",
		map[string]string{"content": "welcome"}, nil))

	ws := dialWS(t, tg, "buyer")

	list := readUntil(t, ws, session.EventConversations)
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, conv.ID, list.Conversations[0].ID)
	assert.Equal(t, "acme", list.Conversations[0].PartnerID)
	readUntil(t, ws, session.EventNotifications)

	require.NoError(t, ws.WriteJSON(clientOp{Op: OpOpen, ConversationID: conv.ID}))
	history := readUntil(t, ws, session.EventHistory)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "welcome", history.Messages[0].Content)

	require.NoError(t, ws.WriteJSON(clientOp{Op: OpSend, Content: "thanks", ClientMessageID: "c-1"}))
	live := readUntil(t, ws, session.EventMessage)
	require.NotNil(t, live.Message)
	assert.Equal(t, "thanks", live.Message.Content)
	assert.Equal(t, "buyer", live.Message.SenderID)

	require.NoError(t, ws.WriteJSON(clientOp{Op: "dance"}))
	failed := readUntil(t, ws, session.EventError)
	assert.Contains(t, failed.Error, "unknown op")

	assert.Eventually(t, func() bool {
		var out struct {
			Messages []messageJSON `json:"messages"`
		}
		tg.do(t, "acme", http.MethodGet, "/api/conversations/"+conv.ID+"/messages", nil, &out)
		return len(out.Messages) == 2 && out.Messages[0].Read
	}, 2*time.Second, 10*time.Millisecond, "opening marks partner messages read")
}

func TestWebSocketRejectsStrangerConversation(t *testing.T) {
	tg := newTestGateway(t)
	conv := tg.openConversation(t, "buyer", "acme", "")

	ws := dialWS(t, tg, "mallory")
	readUntil(t, ws, session.EventConversations)

	require.NoError(t, ws.WriteJSON(clientOp{Op: OpOpen, ConversationID: conv.ID}))
	ev := readUntil(t, ws, session.EventError)
	assert.Equal(t, conv.ID, ev.ConversationID)

	require.NoError(t, ws.WriteJSON(clientOp{Op: OpSend, Content: "sneaky"}))
	failed := readUntil(t, ws, session.EventError)
	assert.Equal(t, "no conversation open", failed.Error)
}

func TestWebSocketNotificationsLive(t *testing.T) {
	tg := newTestGateway(t)
	conv := tg.openConversation(t, "buyer", "acme", "")

	ws := dialWS(t, tg, "acme")
	readUntil(t, ws, session.EventNotifications)

	require.Equal(t, http.StatusCreated, tg.do(t, "buyer", http.MethodPost, "/api/conversations/"+conv.ID+"/messages",
		map[string]string{"content": "ping"}, nil))

	ev := readUntil(t, ws, session.EventNotification)
	require.NotNil(t, ev.Notification)
	count := readUntil(t, ws, session.EventUnreadCount)
	require.NotNil(t, count.UnreadCount)
	assert.Equal(t, 1, *count.UnreadCount)

	require.NoError(t, ws.WriteJSON(clientOp{Op: OpMarkAllRead}))
	count = readUntil(t, ws, session.EventUnreadCount)
	assert.Equal(t, 0, *count.UnreadCount)
}

func TestWebSocketLogoutCloses(t *testing.T) {
	tg := newTestGateway(t)
	ws := dialWS(t, tg, "buyer")
	readUntil(t, ws, session.EventConversations)

	require.NoError(t, ws.WriteJSON(clientOp{Op: OpLogout}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			return
		}
	}
}
