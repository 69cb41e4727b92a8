// ABOUTME: NotificationSession holds one client's notification list and unread count
// ABOUTME: Live inserts are prepended; the count is always derived from the list

package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/tradepost/internal/changefeed"
	"github.com/2389/tradepost/internal/notify"
	"github.com/2389/tradepost/internal/store"
)

// NotificationSession is the notification view state of one connected client.
type NotificationSession struct {
	userID string
	feed   *notify.Feed
	emit   Emitter
	logger *slog.Logger

	mu         sync.Mutex
	items      []*store.Notification
	sub        *changefeed.Subscription
	generation uint64
}

// NewNotificationSession creates a session for userID. emit may be nil.
func NewNotificationSession(userID string, feed *notify.Feed, emit Emitter, logger *slog.Logger) *NotificationSession {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = discard
	}
	return &NotificationSession{
		userID: userID,
		feed:   feed,
		emit:   emit,
		logger: logger.With("component", "notification_session", "user_id", userID),
	}
}

// Start subscribes for new notifications and loads the feed. Calling it
// again performs a full refetch.
func (s *NotificationSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sub != nil {
		s.sub.Close()
	}
	s.generation++
	gen := s.generation
	s.items = nil
	sub := s.feed.Subscribe(ctx, s.userID)
	s.sub = sub
	s.mu.Unlock()

	go func() {
		for c := range sub.C {
			if c.Notification != nil {
				s.prepend(gen, c.Notification)
			}
		}
	}()

	fetched, err := s.feed.ListNotifications(ctx, s.userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return nil
	}

	// Anything delivered live during the fetch goes in front
	inFetch := make(map[string]bool, len(fetched))
	for _, n := range fetched {
		inFetch[n.ID] = true
	}
	merged := make([]*store.Notification, 0, len(s.items)+len(fetched))
	for _, n := range s.items {
		if !inFetch[n.ID] {
			merged = append(merged, n)
		}
	}
	s.items = append(merged, fetched...)

	s.emit(Event{Type: EventNotifications, Notifications: copyNotifications(s.items)})
	s.emitCountLocked()
	if err != nil {
		s.logger.Warn("loading notifications failed", "error", err)
		s.emit(Event{Type: EventError, Error: "could not load notifications"})
	}
	return err
}

func (s *NotificationSession) prepend(gen uint64, n *store.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	for _, existing := range s.items {
		if existing.ID == n.ID {
			return
		}
	}
	s.items = append([]*store.Notification{n}, s.items...)
	s.emit(Event{Type: EventNotification, Notification: n})
	s.emitCountLocked()
}

// Items returns the held notifications, newest first
func (s *NotificationSession) Items() []*store.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyNotifications(s.items)
}

// UnreadCount counts held notifications that are unread
func (s *NotificationSession) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return notify.UnreadCount(s.items)
}

// MarkRead updates the store, then the held item.
func (s *NotificationSession) MarkRead(ctx context.Context, notificationID string) error {
	if err := s.feed.MarkRead(ctx, s.userID, notificationID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.items {
		if n.ID == notificationID && !n.Read {
			cp := *n
			cp.Read = true
			s.items[i] = &cp
		}
	}
	s.emitCountLocked()
	return nil
}

// MarkAllRead updates the store, then every held item.
func (s *NotificationSession) MarkAllRead(ctx context.Context) error {
	if _, err := s.feed.MarkAllRead(ctx, s.userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.items {
		if !n.Read {
			cp := *n
			cp.Read = true
			s.items[i] = &cp
		}
	}
	s.emitCountLocked()
	return nil
}

// Reset drops all state and releases the subscription
func (s *NotificationSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
	s.generation++
	s.items = nil
}

// Close releases the subscription
func (s *NotificationSession) Close() {
	s.Reset()
}

func (s *NotificationSession) emitCountLocked() {
	count := notify.UnreadCount(s.items)
	s.emit(Event{Type: EventUnreadCount, UnreadCount: &count})
}

func copyNotifications(in []*store.Notification) []*store.Notification {
	out := make([]*store.Notification, len(in))
	copy(out, in)
	return out
}
