// ABOUTME: Notification Feed reads a recipient's recent activity and flips read flags
// ABOUTME: The unread count is always derived from the items in hand, never stored

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tradepost/internal/changefeed"
	"github.com/2389/tradepost/internal/chat"
	"github.com/2389/tradepost/internal/store"
)

// DefaultLimit is the size of the rolling feed. It is a cap, not a page size.
const DefaultLimit = 50

// Feed is the notification layer for recipients
type Feed struct {
	store  store.NotificationStore
	hub    *changefeed.Hub
	logger *slog.Logger
}

// NewFeed creates a Feed. hub may be nil if Subscribe is never used.
func NewFeed(s store.NotificationStore, hub *changefeed.Hub, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		store:  s,
		hub:    hub,
		logger: logger.With("component", "notify"),
	}
}

// ListNotifications returns the newest DefaultLimit notifications for the
// recipient. On store failure it returns an empty list together with the error.
func (f *Feed) ListNotifications(ctx context.Context, recipientID string) ([]*store.Notification, error) {
	if recipientID == "" {
		return []*store.Notification{}, &chat.ValidationError{Field: "recipient_id", Reason: "is required"}
	}
	items, err := f.store.ListNotifications(ctx, recipientID, DefaultLimit)
	if err != nil {
		f.logger.Warn("listing notifications failed", "recipient_id", recipientID, "error", err)
		return []*store.Notification{}, &chat.PersistenceError{Op: "list notifications", Err: err}
	}
	if items == nil {
		items = []*store.Notification{}
	}
	return items, nil
}

// MarkRead flags one of the recipient's notifications as read.
func (f *Feed) MarkRead(ctx context.Context, recipientID, notificationID string) error {
	if recipientID == "" || notificationID == "" {
		return &chat.ValidationError{Field: "notification_id", Reason: "is required"}
	}
	err := f.store.MarkNotificationRead(ctx, recipientID, notificationID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("notification %s: %w", notificationID, chat.ErrNotFound)
	}
	if err != nil {
		return &chat.PersistenceError{Op: "mark notification read", Err: err}
	}
	return nil
}

// MarkAllRead flags every unread notification of the recipient and returns
// how many changed. Repeating it is a no-op.
func (f *Feed) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	if recipientID == "" {
		return 0, &chat.ValidationError{Field: "recipient_id", Reason: "is required"}
	}
	n, err := f.store.MarkAllNotificationsRead(ctx, recipientID)
	if err != nil {
		return 0, &chat.PersistenceError{Op: "mark all notifications read", Err: err}
	}
	if n > 0 {
		f.logger.Debug("marked notifications read", "recipient_id", recipientID, "count", n)
	}
	return n, nil
}

// Subscribe delivers notifications inserted for the recipient.
// The caller owns the subscription and must Close it.
func (f *Feed) Subscribe(ctx context.Context, recipientID string) *changefeed.Subscription {
	return f.hub.Subscribe(ctx, Filter(recipientID))
}

// Filter selects notification inserts for one recipient
func Filter(recipientID string) changefeed.Filter {
	return changefeed.Filter{
		Relation: store.RelationNotifications,
		Kind:     store.ChangeInsert,
		Column:   "recipient_id",
		Value:    recipientID,
	}
}

// Request is a notification to deliver
type Request struct {
	RecipientID    string
	Type           store.NotificationType
	Title          string
	Content        string
	ConversationID string
}

// Notify validates and stores a notification for the recipient.
func (f *Feed) Notify(ctx context.Context, req Request) (*store.Notification, error) {
	title := strings.TrimSpace(req.Title)
	switch {
	case req.RecipientID == "":
		return nil, &chat.ValidationError{Field: "recipient_id", Reason: "is required"}
	case !req.Type.Valid():
		return nil, &chat.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown type %q", req.Type)}
	case title == "":
		return nil, &chat.ValidationError{Field: "title", Reason: "must not be empty"}
	}

	n := &store.Notification{
		ID:          uuid.New().String(),
		RecipientID: req.RecipientID,
		Type:        req.Type,
		Title:       title,
		Content:     req.Content,
		CreatedAt:   time.Now().UTC(),
	}
	if req.ConversationID != "" {
		convID := req.ConversationID
		n.ConversationID = &convID
	}

	if err := f.store.InsertNotification(ctx, n); err != nil {
		f.logger.Error("saving notification failed", "recipient_id", req.RecipientID, "type", req.Type, "error", err)
		return nil, &chat.PersistenceError{Op: "notify", Err: err}
	}
	f.logger.Debug("notification saved", "id", n.ID, "recipient_id", n.RecipientID, "type", n.Type)
	return n, nil
}

// UnreadCount counts items with Read unset.
func UnreadCount(items []*store.Notification) int {
	n := 0
	for _, item := range items {
		if !item.Read {
			n++
		}
	}
	return n
}
