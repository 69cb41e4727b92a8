// ABOUTME: Tests for the changefeed hub
// ABOUTME: Covers filtering, fan-out, slow subscribers, close and context cancellation

package changefeed

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tradepost/internal/store"
)

func messageInsert(id, convID, sender string) store.Change {
	return store.Change{
		Relation: store.RelationMessages,
		Kind:     store.ChangeInsert,
		At:       time.Now(),
		Message:  &store.Message{ID: id, ConversationID: convID, SenderID: sender, Content: "hi"},
	}
}

func notificationInsert(id, recipient string) store.Change {
	return store.Change{
		Relation:     store.RelationNotifications,
		Kind:         store.ChangeInsert,
		At:           time.Now(),
		Notification: &store.Notification{ID: id, RecipientID: recipient, Type: store.NotificationInfo},
	}
}

func receive(t *testing.T, sub *Subscription) store.Change {
	t.Helper()
	select {
	case c, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
	return store.Change{}
}

func assertNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case c := <-sub.C:
		t.Fatalf("unexpected change %s/%s", c.Relation, c.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilter_Matches(t *testing.T) {
	c := messageInsert("m1", "conv-1", "u1")

	assert.True(t, Filter{}.Matches(c))
	assert.True(t, Filter{Relation: store.RelationMessages}.Matches(c))
	assert.True(t, Filter{Relation: store.RelationMessages, Kind: store.ChangeInsert}.Matches(c))
	assert.True(t, Filter{Relation: store.RelationMessages, Column: "conversation_id", Value: "conv-1"}.Matches(c))

	assert.False(t, Filter{Relation: store.RelationNotifications}.Matches(c))
	assert.False(t, Filter{Kind: store.ChangeUpdate}.Matches(c))
	assert.False(t, Filter{Column: "conversation_id", Value: "conv-2"}.Matches(c))
	assert.False(t, Filter{Column: "recipient_id", Value: "conv-1"}.Matches(c), "unknown column never matches")
}

func TestHub_DeliversOnlyMatchingChanges(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	conv1 := h.Subscribe(t.Context(), Filter{Relation: store.RelationMessages, Column: "conversation_id", Value: "conv-1"})
	conv2 := h.Subscribe(t.Context(), Filter{Relation: store.RelationMessages, Column: "conversation_id", Value: "conv-2"})
	feed := h.Subscribe(t.Context(), Filter{Relation: store.RelationNotifications, Column: "recipient_id", Value: "u1"})

	h.Publish(messageInsert("m1", "conv-1", "u1"))
	h.Publish(notificationInsert("n1", "u1"))
	h.Publish(notificationInsert("n2", "u2"))

	assert.Equal(t, "m1", receive(t, conv1).Message.ID)
	assert.Equal(t, "n1", receive(t, feed).Notification.ID)
	assertNothing(t, conv2)
	assertNothing(t, feed)
}

func TestHub_MultipleSubscribersReceiveSameChange(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	f := Filter{Relation: store.RelationMessages}
	subs := []*Subscription{
		h.Subscribe(t.Context(), f),
		h.Subscribe(t.Context(), f),
		h.Subscribe(t.Context(), f),
	}
	assert.Equal(t, 3, h.Count(f))

	h.Publish(messageInsert("m1", "c", "u"))
	for _, sub := range subs {
		assert.Equal(t, "m1", receive(t, sub).Message.ID)
	}
}

func TestHub_PreservesPublishOrder(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	sub := h.Subscribe(t.Context(), Filter{})
	for _, id := range []string{"a", "b", "c", "d"} {
		h.Publish(messageInsert(id, "c", "u"))
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, id, receive(t, sub).Message.ID)
	}
}

func TestHub_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	slow := h.Subscribe(t.Context(), Filter{})
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+10; i++ {
			h.Publish(messageInsert("m", "c", "u"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, int64(10), slow.Dropped())
	_, dropped := h.Stats()
	assert.Equal(t, int64(10), dropped)
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	f := Filter{Relation: store.RelationMessages}
	sub := h.Subscribe(t.Context(), f)
	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed")
	assert.Zero(t, h.Count(f))

	// Publishing after close neither panics nor delivers
	h.Publish(messageInsert("m1", "c", "u"))
}

func TestHub_ContextCancellationReleases(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := h.Subscribe(ctx, Filter{})
	require.Equal(t, 1, h.Len())

	cancel()
	require.Eventually(t, func() bool { return h.Len() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestHub_CloseReleasesEverything(t *testing.T) {
	h := NewHub(nil)
	a := h.Subscribe(t.Context(), Filter{})
	b := h.Subscribe(t.Context(), Filter{Relation: store.RelationNotifications})

	h.Close()
	assert.Zero(t, h.Len())
	_, okA := <-a.C
	_, okB := <-b.C
	assert.False(t, okA)
	assert.False(t, okB)
}

func TestHub_ExplicitCloseDoesNotPinContextWatchers(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	// One long-lived ctx, many short-lived subscriptions, as a session
	// switching conversations does.
	ctx := t.Context()
	base := runtime.NumGoroutine()
	for i := 0; i < 500; i++ {
		h.Subscribe(ctx, Filter{Relation: store.RelationMessages}).Close()
		h.SubscribeQueued(ctx, Filter{Relation: store.RelationMessages}).Close()
	}

	assert.Zero(t, h.Len())
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= base+5
	}, time.Second, 10*time.Millisecond, "goroutines grew from %d", base)
}

func TestHub_QueuedSubscriberNeverDrops(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	const n = subscriberBufferSize * 8
	sub := h.SubscribeQueued(t.Context(), Filter{Relation: store.RelationMessages})

	done := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			h.Publish(messageInsert(fmt.Sprint(i), "c", "u"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a queued subscriber")
	}

	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprint(i), receive(t, sub).Message.ID)
	}
	assert.Zero(t, sub.Dropped())
	_, dropped := h.Stats()
	assert.Zero(t, dropped)
}

func TestHub_QueuedSubscriberReleasedByContext(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := h.SubscribeQueued(ctx, Filter{})
	h.Publish(messageInsert("unread", "c", "u"))

	cancel()
	require.Eventually(t, func() bool { return h.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.C:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestHub_ConcurrentPublishAndClose(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		sub := h.Subscribe(t.Context(), Filter{})
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Publish(messageInsert("m", "c", "u"))
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
}

func TestHub_ReceivesStoreWrites(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	s := store.NewMockStore(store.WithPublisher(h))
	ctx := t.Context()

	sub := h.Subscribe(ctx, Filter{Relation: store.RelationMessages, Kind: store.ChangeInsert, Column: "conversation_id", Value: "c1"})
	require.NoError(t, s.CreateConversation(ctx, &store.Conversation{ID: "c1", BuyerID: "b", SellerID: "s", CreatedAt: time.Now()}))
	require.NoError(t, s.InsertMessage(ctx, &store.Message{ID: "m1", ConversationID: "c1", SenderID: "b", Content: "hello", CreatedAt: time.Now()}))

	got := receive(t, sub)
	assert.Equal(t, "m1", got.Message.ID)
	assertNothing(t, sub)
}
