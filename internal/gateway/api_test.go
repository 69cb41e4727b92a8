// ABOUTME: Tests for the JSON API routes and error mapping
// ABOUTME: Drives conversations, messages, notifications and inquiries over HTTP in dev auth mode

package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tradepost/internal/partner"
	"github.com/2389/tradepost/internal/store"
)

type conversationJSON struct {
	ID          string `json:"id"`
	BuyerID     string `json:"buyer_id"`
	SellerID    string `json:"seller_id"`
	PartnerID   string `json:"partner_id"`
	PartnerName string `json:"partner_name"`
	LastMessage string `json:"last_message"`
}

type messageJSON struct {
	ID       string `json:"id"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
	Read     bool   `json:"read"`
	HTML     string `json:"html"`
}

func (tg *testGateway) openConversation(t *testing.T, buyer, seller, product string) conversationJSON {
	t.Helper()
	var conv conversationJSON
	status := tg.do(t, buyer, http.MethodPost, "/api/conversations",
		map[string]string{"seller_id": seller, "product_id": product}, &conv)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, conv.ID)
	return conv
}

func TestMissingIdentityRejected(t *testing.T) {
	tg := newTestGateway(t)
	assert.Equal(t, http.StatusUnauthorized, tg.do(t, "", http.MethodGet, "/api/conversations", nil, nil))
}

func TestCreateConversationIsIdempotent(t *testing.T) {
	tg := newTestGateway(t)
	require.NoError(t, tg.store.UpsertProfile(context.Background(), &store.Profile{UserID: "acme", Name: "Acme Supply"}))

	first := tg.openConversation(t, "buyer", "acme", "bolts")
	second := tg.openConversation(t, "buyer", "acme", "bolts")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "acme", first.PartnerID)
	assert.Equal(t, "Acme Supply", first.PartnerName)

	other := tg.openConversation(t, "buyer", "acme", "nuts")
	assert.NotEqual(t, first.ID, other.ID, "different product gets its own conversation")
}

func TestCreateConversationValidation(t *testing.T) {
	tg := newTestGateway(t)

	assert.Equal(t, http.StatusBadRequest, tg.do(t, "buyer", http.MethodPost, "/api/conversations",
		map[string]string{"seller_id": ""}, nil))
	assert.Equal(t, http.StatusBadRequest, tg.do(t, "buyer", http.MethodPost, "/api/conversations",
		map[string]string{"seller_id": "buyer"}, nil), "cannot talk to yourself")
	assert.Equal(t, http.StatusBadRequest, tg.do(t, "buyer", http.MethodPost, "/api/conversations",
		map[string]string{"seller_id": "acme", "bogus": "x"}, nil), "unknown fields rejected")
	assert.Equal(t, http.StatusForbidden, tg.do(t, "mallory", http.MethodPost, "/api/conversations",
		map[string]string{"buyer_id": "buyer", "seller_id": "acme"}, nil))
}

func TestListConversationsPlaceholderName(t *testing.T) {
	tg := newTestGateway(t)
	tg.openConversation(t, "buyer", "acme", "")

	var out struct {
		Conversations []conversationJSON `json:"conversations"`
	}
	require.Equal(t, http.StatusOK, tg.do(t, "acme", http.MethodGet, "/api/conversations", nil, &out))
	require.Len(t, out.Conversations, 1)
	assert.Equal(t, "buyer", out.Conversations[0].PartnerID)
	assert.Equal(t, partner.Placeholder, out.Conversations[0].PartnerName, "no profile published yet")
}

func TestSendAndListMessages(t *testing.T) {
	tg := newTestGateway(t)
	conv := tg.openConversation(t, "buyer", "acme", "bolts")
	path := "/api/conversations/" + conv.ID + "/messages"

	var sent messageJSON
	require.Equal(t, http.StatusCreated, tg.do(t, "buyer", http.MethodPost, path,
		map[string]string{"content": "  do you ship **M8**?  "}, &sent))
	assert.Equal(t, "do you ship **M8**?", sent.Content)
	assert.Contains(t, sent.HTML, "<strong>M8</strong>")

	require.Equal(t, http.StatusCreated, tg.do(t, "acme", http.MethodPost, path,
		map[string]string{"content": "yes"}, nil))

	var out struct {
		Messages []messageJSON `json:"messages"`
	}
	require.Equal(t, http.StatusOK, tg.do(t, "buyer", http.MethodGet, path, nil, &out))
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "buyer", out.Messages[0].SenderID)
	assert.Equal(t, "acme", out.Messages[1].SenderID)

	var list struct {
		Conversations []conversationJSON `json:"conversations"`
	}
	require.Equal(t, http.StatusOK, tg.do(t, "buyer", http.MethodGet, "/api/conversations", nil, &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "yes", list.Conversations[0].LastMessage)
}

func TestSendMessageErrors(t *testing.T) {
	tg := newTestGateway(t)
	conv := tg.openConversation(t, "buyer", "acme", "")
	path := "/api/conversations/" + conv.ID + "/messages"

	assert.Equal(t, http.StatusBadRequest, tg.do(t, "buyer", http.MethodPost, path,
		map[string]string{"content": "   "}, nil))
	assert.Equal(t, http.StatusForbidden, tg.do(t, "mallory", http.MethodPost, path,
		map[string]string{"content": "hi"}, nil))
	assert.Equal(t, http.StatusNotFound, tg.do(t, "buyer", http.MethodPost, "/api/conversations/missing/messages",
		map[string]string{"content": "hi"}, nil))
	assert.Equal(t, http.StatusForbidden, tg.do(t, "mallory", http.MethodGet, path, nil, nil))

	tg.store.FailOn("InsertMessage", assert.AnError)
	assert.Equal(t, http.StatusServiceUnavailable, tg.do(t, "buyer", http.MethodPost, path,
		map[string]string{"content": "hi"}, nil))
}

func TestIdempotencyKeyReplaysSend(t *testing.T) {
	tg := newTestGateway(t)
	conv := tg.openConversation(t, "buyer", "acme", "")
	path := "/api/conversations/" + conv.ID + "/messages"

	var a, b messageJSON
	require.Equal(t, http.StatusCreated, tg.do(t, "buyer", http.MethodPost, path,
		map[string]string{"content": "order 500"}, &a, IdempotencyKeyHeader, "retry-1"))
	require.Equal(t, http.StatusCreated, tg.do(t, "buyer", http.MethodPost, path,
		map[string]string{"content": "order 500"}, &b, IdempotencyKeyHeader, "retry-1"))

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 1, tg.store.Calls("InsertMessage"))
}

func TestMarkConversationRead(t *testing.T) {
	tg := newTestGateway(t)
	conv := tg.openConversation(t, "buyer", "acme", "")
	path := "/api/conversations/" + conv.ID

	for _, c := range []string{"one", "two"} {
		require.Equal(t, http.StatusCreated, tg.do(t, "acme", http.MethodPost, path+"/messages",
			map[string]string{"content": c}, nil))
	}

	var out struct{ Marked int64 }
	require.Equal(t, http.StatusOK, tg.do(t, "buyer", http.MethodPost, path+"/read", nil, &out))
	assert.Equal(t, int64(2), out.Marked)

	require.Equal(t, http.StatusOK, tg.do(t, "acme", http.MethodPost, path+"/read", nil, &out))
	assert.Zero(t, out.Marked, "own messages are never marked")
}

type notificationsJSON struct {
	Notifications []struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Content string `json:"content"`
		Read    bool   `json:"read"`
	} `json:"notifications"`
	UnreadCount int `json:"unread_count"`
}

func (tg *testGateway) waitNotifications(t *testing.T, user string, n int) notificationsJSON {
	t.Helper()
	var out notificationsJSON
	require.Eventually(t, func() bool {
		out = notificationsJSON{}
		return tg.do(t, user, http.MethodGet, "/api/notifications", nil, &out) == http.StatusOK &&
			len(out.Notifications) == n
	}, 2*time.Second, 10*time.Millisecond)
	return out
}

func TestNotificationsFromMessages(t *testing.T) {
	tg := newTestGateway(t)
	conv := tg.openConversation(t, "buyer", "acme", "")
	path := "/api/conversations/" + conv.ID + "/messages"

	require.Equal(t, http.StatusCreated, tg.do(t, "buyer", http.MethodPost, path,
		map[string]string{"content": "price for 1000?"}, nil))
	require.Equal(t, http.StatusCreated, tg.do(t, "buyer", http.MethodPost, path,
		map[string]string{"content": "and for 2000?"}, nil))

	out := tg.waitNotifications(t, "acme", 2)
	assert.Equal(t, 2, out.UnreadCount)
	assert.Equal(t, "message", out.Notifications[0].Type)
	assert.Equal(t, "and for 2000?", out.Notifications[0].Content, "newest first")

	tg.waitNotifications(t, "buyer", 0)

	id := out.Notifications[1].ID
	assert.Equal(t, http.StatusNoContent, tg.do(t, "acme", http.MethodPost, "/api/notifications/"+id+"/read", nil, nil))
	assert.Equal(t, http.StatusNotFound, tg.do(t, "buyer", http.MethodPost, "/api/notifications/"+id+"/read", nil, nil),
		"other users cannot see the notification")

	var marked struct{ Marked int64 }
	require.Equal(t, http.StatusOK, tg.do(t, "acme", http.MethodPost, "/api/notifications/read-all", nil, &marked))
	assert.Equal(t, int64(1), marked.Marked)

	out = tg.waitNotifications(t, "acme", 2)
	assert.Zero(t, out.UnreadCount)
}

func TestListNotificationsStorageFailure(t *testing.T) {
	tg := newTestGateway(t)
	tg.store.FailOn("ListNotifications", assert.AnError)
	assert.Equal(t, http.StatusServiceUnavailable, tg.do(t, "acme", http.MethodGet, "/api/notifications", nil, nil))
}

func TestInquiryLifecycle(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, tg.store.UpsertProduct(ctx, &store.Product{ID: "bolts", SellerID: "acme", Name: "M8 bolts"}))
	require.NoError(t, tg.store.UpsertProduct(ctx, &store.Product{ID: "orphan", Name: "Orphan"}))

	var inq struct {
		ID             string `json:"id"`
		SellerID       string `json:"seller_id"`
		ConversationID string `json:"conversation_id"`
		Status         string `json:"status"`
	}
	require.Equal(t, http.StatusCreated, tg.do(t, "buyer", http.MethodPost, "/api/inquiries",
		map[string]any{"product_id": "bolts", "message": "need 500", "quantity": 500}, &inq))
	assert.Equal(t, "acme", inq.SellerID)
	assert.Equal(t, "pending", inq.Status)
	assert.NotEmpty(t, inq.ConversationID)

	assert.Equal(t, http.StatusUnprocessableEntity, tg.do(t, "buyer", http.MethodPost, "/api/inquiries",
		map[string]any{"product_id": "orphan", "message": "hi", "quantity": 1}, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, tg.do(t, "buyer", http.MethodPost, "/api/inquiries",
		map[string]any{"product_id": "missing", "message": "hi", "quantity": 1}, nil))
	assert.Equal(t, http.StatusBadRequest, tg.do(t, "buyer", http.MethodPost, "/api/inquiries",
		map[string]any{"product_id": "bolts", "message": "hi", "quantity": 0}, nil))

	var list struct {
		Inquiries []struct{ ID string } `json:"inquiries"`
	}
	require.Equal(t, http.StatusOK, tg.do(t, "acme", http.MethodGet, "/api/inquiries", nil, &list))
	require.Len(t, list.Inquiries, 1)

	statusPath := "/api/inquiries/" + inq.ID + "/status"
	assert.Equal(t, http.StatusForbidden, tg.do(t, "buyer", http.MethodPost, statusPath,
		map[string]string{"status": "contacted"}, nil))
	require.Equal(t, http.StatusOK, tg.do(t, "acme", http.MethodPost, statusPath,
		map[string]string{"status": "contacted"}, &inq))
	assert.Equal(t, "contacted", inq.Status)
	assert.Equal(t, http.StatusConflict, tg.do(t, "acme", http.MethodPost, statusPath,
		map[string]string{"status": "pending"}, nil))

	var msgs struct {
		Messages []messageJSON `json:"messages"`
	}
	require.Equal(t, http.StatusOK, tg.do(t, "acme", http.MethodGet, "/api/conversations/"+inq.ConversationID+"/messages", nil, &msgs))
	require.Len(t, msgs.Messages, 1)
	assert.Contains(t, msgs.Messages[0].Content, "M8 bolts")
}

func TestUpsertProfile(t *testing.T) {
	tg := newTestGateway(t)

	var p struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
		Role   string `json:"role"`
	}
	require.Equal(t, http.StatusOK, tg.do(t, "buyer", http.MethodPut, "/api/profile",
		map[string]string{"name": "Bea Buyer", "email": "bea@example.com"}, &p))
	assert.Equal(t, "buyer", p.UserID)
	assert.Equal(t, "Bea Buyer", p.Name)
	assert.Equal(t, "buyer", p.Role)
}
