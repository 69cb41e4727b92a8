// ABOUTME: Server-Sent Events streams for live messages and notifications
// ABOUTME: Subscribes to the change hub and writes one event per change plus keepalives

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/tradepost/internal/changefeed"
	"github.com/2389/tradepost/internal/store"
)

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// streamChanges writes changes from sub until the client leaves or the
// subscription closes. A comment line is sent every ping interval so
// proxies keep the connection open.
func (g *Gateway) streamChanges(w http.ResponseWriter, r *http.Request, sub *changefeed.Subscription, event func(store.Change) (string, any)) {
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	g.writeSSEEvent(w, "ready", map[string]string{"subscription_id": sub.ID})
	flusher.Flush()

	interval := g.config.Realtime.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	keepalive := time.NewTicker(interval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case c, ok := <-sub.C:
			if !ok {
				// Hub closed; the client reconnects and refetches
				return
			}
			name, data := event(c)
			g.writeSSEEvent(w, name, data)
			flusher.Flush()
		}
	}
}

func (g *Gateway) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	if _, err := g.directory.GetConversation(r.Context(), callerID(r), convID); err != nil {
		g.sendServiceError(w, err)
		return
	}

	sub := g.stream.Subscribe(r.Context(), convID)
	g.streamChanges(w, r, sub, func(c store.Change) (string, any) {
		return "message", newMessageView(c.Message)
	})
}

func (g *Gateway) handleNotificationEvents(w http.ResponseWriter, r *http.Request) {
	sub := g.feed.Subscribe(r.Context(), callerID(r))
	g.streamChanges(w, r, sub, func(c store.Change) (string, any) {
		return "notification", c.Notification
	})
}
