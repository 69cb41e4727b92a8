// ABOUTME: Tests for the Notification Feed
// ABOUTME: Covers the rolling cap, mark-read ownership, mark-all idempotence and unread derivation

package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tradepost/internal/changefeed"
	"github.com/2389/tradepost/internal/chat"
	"github.com/2389/tradepost/internal/store"
)

func newTestFeed(t *testing.T) (*Feed, *store.MockStore, *changefeed.Hub) {
	t.Helper()
	hub := changefeed.NewHub(nil)
	t.Cleanup(hub.Close)
	s := store.NewMockStore(store.WithPublisher(hub))
	return NewFeed(s, hub, nil), s, hub
}

func seedNotifications(t *testing.T, s *store.MockStore, recipient string, n int, read bool) []*store.Notification {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	var out []*store.Notification
	for i := 0; i < n; i++ {
		item := &store.Notification{
			ID:          fmt.Sprintf("%s-%d", recipient, i),
			RecipientID: recipient,
			Type:        store.NotificationInfo,
			Title:       "Info",
			Content:     fmt.Sprint(i),
			Read:        read,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.InsertNotification(context.Background(), item))
		out = append(out, item)
	}
	return out
}

func TestListNotifications_NewestFirstCappedAt50(t *testing.T) {
	f, s, _ := newTestFeed(t)
	seedNotifications(t, s, "r", 60, false)

	items, err := f.ListNotifications(context.Background(), "r")
	require.NoError(t, err)
	require.Len(t, items, DefaultLimit)
	assert.Equal(t, "r-59", items[0].ID)
	for i := 1; i < len(items); i++ {
		assert.False(t, items[i].CreatedAt.After(items[i-1].CreatedAt))
	}
}

func TestListNotifications_FailsSoft(t *testing.T) {
	f, s, _ := newTestFeed(t)
	s.FailOn("ListNotifications", errors.New("down"))

	items, err := f.ListNotifications(context.Background(), "r")
	assert.True(t, chat.IsPersistence(err))
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestMarkRead_RequiresOwnership(t *testing.T) {
	f, s, _ := newTestFeed(t)
	ctx := context.Background()
	seedNotifications(t, s, "r", 1, false)

	err := f.MarkRead(ctx, "intruder", "r-0")
	assert.ErrorIs(t, err, chat.ErrNotFound)

	require.NoError(t, f.MarkRead(ctx, "r", "r-0"))
	require.NoError(t, f.MarkRead(ctx, "r", "r-0"), "marking twice is fine")

	items, err := f.ListNotifications(ctx, "r")
	require.NoError(t, err)
	assert.True(t, items[0].Read)
}

func TestMarkAllRead_Idempotent(t *testing.T) {
	f, s, _ := newTestFeed(t)
	ctx := context.Background()
	seedNotifications(t, s, "r", 4, false)
	seedNotifications(t, s, "other", 2, false)

	n, err := f.MarkAllRead(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	items, err := f.ListNotifications(ctx, "r")
	require.NoError(t, err)
	assert.Zero(t, UnreadCount(items))

	n, err = f.MarkAllRead(ctx, "r")
	require.NoError(t, err)
	assert.Zero(t, n)

	others, err := f.ListNotifications(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 2, UnreadCount(others), "other recipients are untouched")
}

func TestMarkAllRead_StoreFailure(t *testing.T) {
	f, s, _ := newTestFeed(t)
	s.FailOn("MarkAllNotificationsRead", errors.New("down"))
	_, err := f.MarkAllRead(context.Background(), "r")
	assert.True(t, chat.IsPersistence(err))
}

func TestUnreadCount(t *testing.T) {
	items := []*store.Notification{{Read: false}, {Read: true}, {Read: false}}
	assert.Equal(t, 2, UnreadCount(items))
	assert.Zero(t, UnreadCount(nil))
}

func TestNotify_Validation(t *testing.T) {
	f, s, _ := newTestFeed(t)
	ctx := context.Background()

	_, err := f.Notify(ctx, Request{Type: store.NotificationInfo, Title: "t"})
	assert.ErrorIs(t, err, chat.ErrValidation)
	_, err = f.Notify(ctx, Request{RecipientID: "r", Type: "alert", Title: "t"})
	assert.ErrorIs(t, err, chat.ErrValidation)
	_, err = f.Notify(ctx, Request{RecipientID: "r", Type: store.NotificationInfo, Title: "  "})
	assert.ErrorIs(t, err, chat.ErrValidation)
	assert.Zero(t, s.Calls("InsertNotification"))
}

func TestNotify_DeliversToSubscriber(t *testing.T) {
	f, _, _ := newTestFeed(t)
	ctx := context.Background()
	sub := f.Subscribe(ctx, "r")
	defer sub.Close()

	_, err := f.Notify(ctx, Request{RecipientID: "someone-else", Type: store.NotificationInfo, Title: "x"})
	require.NoError(t, err)
	n, err := f.Notify(ctx, Request{RecipientID: "r", Type: store.NotificationMessage, Title: "New message", Content: "hi", ConversationID: "c1"})
	require.NoError(t, err)

	select {
	case c := <-sub.C:
		assert.Equal(t, n.ID, c.Notification.ID)
		require.NotNil(t, c.Notification.ConversationID)
		assert.Equal(t, "c1", *c.Notification.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

// Three unread notifications, mark all read, nothing left unread.
func TestScenario_MarkAllReadClearsThreeUnread(t *testing.T) {
	f, s, _ := newTestFeed(t)
	ctx := context.Background()
	seedNotifications(t, s, "R", 3, false)

	before, err := f.ListNotifications(ctx, "R")
	require.NoError(t, err)
	require.Equal(t, 3, UnreadCount(before))

	_, err = f.MarkAllRead(ctx, "R")
	require.NoError(t, err)

	after, err := f.ListNotifications(ctx, "R")
	require.NoError(t, err)
	require.Len(t, after, 3)
	for _, n := range after {
		assert.True(t, n.Read)
	}
	assert.Zero(t, UnreadCount(after))
}
