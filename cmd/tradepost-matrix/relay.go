// ABOUTME: Follows a tradepost notification stream and posts each item to a Matrix room
// ABOUTME: Catches up from the list endpoint on every (re)connect, then reads SSE

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/tradepost/internal/render"
	"github.com/2389/tradepost/internal/store"
)

// RoomPoster is the slice of the Matrix client the relay needs
type RoomPoster interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
}

// Relay posts tradepost notifications into one Matrix room.
type Relay struct {
	gatewayURL string
	token      string
	room       id.RoomID
	poster     RoomPoster
	cursor     *Cursor
	client     *http.Client
	retry      time.Duration
	logger     *slog.Logger
}

// NewRelay creates a relay. The cursor is owned by the caller.
func NewRelay(cfg *Config, poster RoomPoster, cursor *Cursor, logger *slog.Logger) *Relay {
	return &Relay{
		gatewayURL: strings.TrimSuffix(cfg.Gateway.URL, "/"),
		token:      cfg.Gateway.Token,
		room:       id.RoomID(cfg.Matrix.RoomID),
		poster:     poster,
		cursor:     cursor,
		client:     &http.Client{},
		retry:      cfg.Relay.ReconnectDelay,
		logger:     logger.With("component", "relay"),
	}
}

// Run relays until ctx is canceled, reconnecting after stream failures.
func (r *Relay) Run(ctx context.Context) error {
	for {
		err := r.follow(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("notification stream ended, reconnecting", "error", err, "delay", r.retry)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.retry):
		}
	}
}

// follow opens the stream, catches up, then relays live events until the stream ends.
func (r *Relay) follow(ctx context.Context) error {
	resp, err := r.get(ctx, "/api/notifications/events", "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Subscribed before the catch-up so nothing falls between the two
	if err := r.catchUp(ctx); err != nil {
		return err
	}
	return r.readStream(ctx, resp.Body)
}

// catchUp relays unseen items from the list endpoint, oldest first.
func (r *Relay) catchUp(ctx context.Context) error {
	resp, err := r.get(ctx, "/api/notifications", "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		Notifications []*store.Notification `json:"notifications"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding notifications: %w", err)
	}
	slices.Reverse(body.Notifications)
	for _, n := range body.Notifications {
		if err := r.relay(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) readStream(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	var name string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if name == "notification" && len(data) > 0 {
				var n store.Notification
				if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &n); err != nil {
					r.logger.Warn("skipping malformed notification", "error", err)
				} else if err := r.relay(ctx, &n); err != nil {
					return err
				}
			}
			name, data = "", nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return errors.New("stream closed by gateway")
}

// relay posts n unless the cursor already has it.
func (r *Relay) relay(ctx context.Context, n *store.Notification) error {
	seen, err := r.cursor.Seen(ctx, n.ID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	text := formatNotification(n)
	content := &event.MessageEventContent{
		MsgType:       event.MsgNotice,
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: render.Markdown(text),
	}
	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := r.poster.SendMessageEvent(sendCtx, r.room, event.EventMessage, content); err != nil {
		return fmt.Errorf("posting to matrix: %w", err)
	}

	r.logger.Info("relayed notification", "notification_id", n.ID, "type", n.Type)
	return r.cursor.Mark(ctx, n.ID)
}

func formatNotification(n *store.Notification) string {
	if n.Title == "" {
		return n.Content
	}
	return "**" + n.Title + "**\n" + n.Content
}

func (r *Relay) get(ctx context.Context, path, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.gatewayURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Accept", accept)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("gateway returned status %d for %s: %s", resp.StatusCode, path, strings.TrimSpace(string(body)))
	}
	return resp, nil
}
