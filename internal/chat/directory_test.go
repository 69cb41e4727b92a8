// ABOUTME: Tests for the Conversation Directory
// ABOUTME: Covers get-or-create idempotence, validation, fail-soft listing and watching

package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tradepost/internal/changefeed"
	"github.com/2389/tradepost/internal/store"
)

func newTestDirectory(t *testing.T) (*Directory, *store.MockStore, *changefeed.Hub) {
	t.Helper()
	hub := changefeed.NewHub(nil)
	t.Cleanup(hub.Close)
	s := store.NewMockStore(store.WithPublisher(hub))
	return NewDirectory(s, hub, nil), s, hub
}

func TestGetOrCreateConversation_ReturnsSameConversation(t *testing.T) {
	d, s, _ := newTestDirectory(t)
	ctx := context.Background()
	req := ConversationRequest{BuyerID: "buyer", SellerID: "seller", ProductID: "p1", ProductName: "Widget"}

	first, err := d.GetOrCreateConversation(ctx, req)
	require.NoError(t, err)
	second, err := d.GetOrCreateConversation(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, s.Calls("CreateConversation"))
	require.NotNil(t, first.ProductName)
	assert.Equal(t, "Widget", *first.ProductName)
	assert.Nil(t, first.LastMessage)
}

func TestGetOrCreateConversation_TripleIsExact(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	withProduct, err := d.GetOrCreateConversation(ctx, ConversationRequest{BuyerID: "b", SellerID: "s", ProductID: "p1"})
	require.NoError(t, err)
	otherProduct, err := d.GetOrCreateConversation(ctx, ConversationRequest{BuyerID: "b", SellerID: "s", ProductID: "p2"})
	require.NoError(t, err)
	noProduct, err := d.GetOrCreateConversation(ctx, ConversationRequest{BuyerID: "b", SellerID: "s"})
	require.NoError(t, err)

	assert.NotEqual(t, withProduct.ID, otherProduct.ID)
	assert.NotEqual(t, withProduct.ID, noProduct.ID)
	assert.Nil(t, noProduct.ProductID)
}

func TestGetOrCreateConversation_Validation(t *testing.T) {
	d, s, _ := newTestDirectory(t)
	ctx := context.Background()

	cases := map[string]ConversationRequest{
		"missing buyer":   {SellerID: "s"},
		"missing seller":  {BuyerID: "b"},
		"blank buyer":     {BuyerID: "  ", SellerID: "s"},
		"buyer is seller": {BuyerID: "u", SellerID: "u"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := d.GetOrCreateConversation(ctx, req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
	assert.Zero(t, s.Calls("FindConversation"), "validation happens before any store call")
	assert.Zero(t, s.Calls("CreateConversation"))
}

func TestGetOrCreateConversation_StoreRejectsWrite(t *testing.T) {
	d, s, _ := newTestDirectory(t)
	boom := errors.New("connection reset")
	s.FailOn("CreateConversation", boom)

	conv, err := d.GetOrCreateConversation(context.Background(), ConversationRequest{BuyerID: "b", SellerID: "s"})
	assert.Nil(t, conv)
	assert.True(t, IsPersistence(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.Calls("CreateConversation"), "no silent retry")
}

func TestGetOrCreateConversation_LookupFailureIsPersistence(t *testing.T) {
	d, s, _ := newTestDirectory(t)
	s.FailOn("FindConversation", errors.New("timeout"))

	_, err := d.GetOrCreateConversation(context.Background(), ConversationRequest{BuyerID: "b", SellerID: "s"})
	assert.True(t, IsPersistence(err))
	assert.Zero(t, s.Calls("CreateConversation"))
}

func TestListConversations_FailsSoft(t *testing.T) {
	d, s, _ := newTestDirectory(t)
	s.FailOn("ListConversationsForUser", errors.New("down"))

	convs, err := d.ListConversations(context.Background(), "u")
	require.Error(t, err)
	assert.NotNil(t, convs)
	assert.Empty(t, convs)
}

func TestListConversations_EmptyIsNotNil(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	convs, err := d.ListConversations(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, convs)
	assert.Empty(t, convs)
}

func TestGetConversation_Access(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()
	conv, err := d.GetOrCreateConversation(ctx, ConversationRequest{BuyerID: "b", SellerID: "s"})
	require.NoError(t, err)

	got, err := d.GetConversation(ctx, "s", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	_, err = d.GetConversation(ctx, "stranger", conv.ID)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = d.GetConversation(ctx, "b", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWatch_DeliversChangesForEitherRole(t *testing.T) {
	d, _, hub := newTestDirectory(t)
	ctx := context.Background()

	w := d.Watch(ctx, "u")
	defer w.Close()

	_, err := d.GetOrCreateConversation(ctx, ConversationRequest{BuyerID: "u", SellerID: "s"})
	require.NoError(t, err)
	_, err = d.GetOrCreateConversation(ctx, ConversationRequest{BuyerID: "b", SellerID: "u"})
	require.NoError(t, err)
	_, err = d.GetOrCreateConversation(ctx, ConversationRequest{BuyerID: "x", SellerID: "y"})
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case c := <-w.C:
			seen[c.BuyerID+"/"+c.SellerID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for conversation change")
		}
	}
	assert.True(t, seen["u/s"])
	assert.True(t, seen["b/u"])

	w.Close()
	assert.Zero(t, hub.Len(), "watch releases both subscriptions")
}
