// ABOUTME: HTTP JSON API for conversations, messages, notifications and inquiries
// ABOUTME: Maps service errors onto status codes and renders message Markdown

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/tradepost/internal/auth"
	"github.com/2389/tradepost/internal/chat"
	"github.com/2389/tradepost/internal/inquiry"
	"github.com/2389/tradepost/internal/notify"
	"github.com/2389/tradepost/internal/partner"
	"github.com/2389/tradepost/internal/render"
	"github.com/2389/tradepost/internal/seed"
	"github.com/2389/tradepost/internal/session"
	"github.com/2389/tradepost/internal/store"
)

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 1 << 20

// IdempotencyKeyHeader carries the client message id for retried sends
const IdempotencyKeyHeader = "Idempotency-Key"

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	authed := g.authMiddleware()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}

	handle("GET /api/conversations", g.handleListConversations)
	handle("POST /api/conversations", g.handleCreateConversation)
	handle("GET /api/conversations/{id}/messages", g.handleListMessages)
	handle("POST /api/conversations/{id}/messages", g.handleSendMessage)
	handle("POST /api/conversations/{id}/read", g.handleMarkConversationRead)
	handle("GET /api/conversations/{id}/events", g.handleConversationEvents)

	handle("GET /api/notifications", g.handleListNotifications)
	handle("POST /api/notifications/read-all", g.handleMarkAllNotificationsRead)
	handle("POST /api/notifications/{id}/read", g.handleMarkNotificationRead)
	handle("GET /api/notifications/events", g.handleNotificationEvents)

	handle("GET /api/inquiries", g.handleListInquiries)
	handle("POST /api/inquiries", g.handleCreateInquiry)
	handle("POST /api/inquiries/{id}/status", g.handleUpdateInquiryStatus)

	handle("PUT /api/profile", g.handleUpsertProfile)
	mux.Handle("POST /api/admin/seed", authed(auth.RequireAdminHTTP()(http.HandlerFunc(g.handleSeed))))

	handle("GET /api/ws", g.handleWebSocket)
}

// authMiddleware verifies JWTs when a secret is configured, otherwise trusts X-User-ID.
func (g *Gateway) authMiddleware() func(http.Handler) http.Handler {
	if g.verifier != nil {
		return auth.HTTPAuthMiddleware(g.verifier, g.logger)
	}
	return auth.DevAuthMiddleware()
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d live subscriptions)", g.hub.Len())
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendServiceError maps domain errors onto HTTP statuses.
func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		g.sendJSONError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, chat.ErrNotParticipant), errors.Is(err, inquiry.ErrForbidden):
		g.sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, inquiry.ErrSellerNotRegistered):
		g.sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, inquiry.ErrInvalidTransition):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case chat.IsPersistence(err):
		g.sendJSONError(w, http.StatusServiceUnavailable, "storage temporarily unavailable, please retry")
	default:
		g.logger.Error("unhandled service error", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func callerID(r *http.Request) string {
	return auth.MustFromContext(r.Context()).UserID
}

// conversationViews resolves partner names for one listing
func (g *Gateway) conversationViews(r *http.Request, userID string, convs []*store.Conversation) []session.ConversationView {
	resolver := partner.NewResolver(g.store, g.logger)
	if err := resolver.Rebuild(r.Context(), userID, convs); err != nil {
		g.logger.Warn("resolving partner names failed", "error", err)
	}
	views := make([]session.ConversationView, 0, len(convs))
	for _, c := range convs {
		views = append(views, session.ConversationView{
			Conversation: c,
			PartnerID:    partner.PartnerID(userID, c),
			PartnerName:  resolver.Name(userID, c),
		})
	}
	return views
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	convs, err := g.directory.ListConversations(r.Context(), userID)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": g.conversationViews(r, userID, convs)})
}

type createConversationRequest struct {
	BuyerID     string `json:"buyer_id"`
	SellerID    string `json:"seller_id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := callerID(r)
	if req.BuyerID == "" {
		req.BuyerID = userID
	}
	if req.BuyerID != userID && req.SellerID != userID {
		g.sendJSONError(w, http.StatusForbidden, "caller must be the buyer or the seller")
		return
	}

	conv, err := g.directory.GetOrCreateConversation(r.Context(), chat.ConversationRequest{
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		ProductID:   req.ProductID,
		ProductName: req.ProductName,
	})
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, g.conversationViews(r, userID, []*store.Conversation{conv})[0])
}

// messageView is a message with its content rendered to HTML
type messageView struct {
	*store.Message
	HTML string `json:"html"`
}

func newMessageView(m *store.Message) messageView {
	return messageView{Message: m, HTML: render.Markdown(m.Content)}
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	if _, err := g.directory.GetConversation(r.Context(), callerID(r), convID); err != nil {
		g.sendServiceError(w, err)
		return
	}

	msgs, err := g.stream.GetMessages(r.Context(), convID)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	views := make([]messageView, len(msgs))
	for i, m := range msgs {
		views[i] = newMessageView(m)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"messages": views})
}

type sendMessageRequest struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id"`
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
		req.ClientMessageID = key
	}

	msg, err := g.stream.SendMessage(r.Context(), chat.SendRequest{
		ConversationID:  r.PathValue("id"),
		SenderID:        callerID(r),
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, newMessageView(msg))
}

func (g *Gateway) handleMarkConversationRead(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	convID := r.PathValue("id")
	if _, err := g.directory.GetConversation(r.Context(), userID, convID); err != nil {
		g.sendServiceError(w, err)
		return
	}
	n, err := g.stream.MarkRead(r.Context(), convID, userID)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

func (g *Gateway) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := g.feed.ListNotifications(r.Context(), callerID(r))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"notifications": items,
		"unread_count":  notify.UnreadCount(items),
	})
}

func (g *Gateway) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := g.feed.MarkRead(r.Context(), callerID(r), r.PathValue("id")); err != nil {
		g.sendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	n, err := g.feed.MarkAllRead(r.Context(), callerID(r))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

func (g *Gateway) handleListInquiries(w http.ResponseWriter, r *http.Request) {
	items, err := g.inquiries.List(r.Context(), callerID(r))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"inquiries": items})
}

type createInquiryRequest struct {
	ProductID string `json:"product_id"`
	Message   string `json:"message"`
	Quantity  int    `json:"quantity"`
}

func (g *Gateway) handleCreateInquiry(w http.ResponseWriter, r *http.Request) {
	var req createInquiryRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	inq, err := g.inquiries.Create(r.Context(), inquiry.CreateRequest{
		BuyerID:   callerID(r),
		ProductID: req.ProductID,
		Message:   req.Message,
		Quantity:  req.Quantity,
	})
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, inq)
}

func (g *Gateway) handleUpdateInquiryStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status store.InquiryStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	inq, err := g.inquiries.UpdateStatus(r.Context(), callerID(r), r.PathValue("id"), req.Status)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, inq)
}

// handleUpsertProfile lets the caller publish their own display identity
func (g *Gateway) handleUpsertProfile(w http.ResponseWriter, r *http.Request) {
	var req seed.Profile
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := auth.MustFromContext(r.Context())
	req.UserID = id.UserID
	req.Role = string(id.Role)

	if _, err := seed.Apply(r.Context(), g.store, &seed.File{Profiles: []seed.Profile{req}}); err != nil {
		g.logger.Error("upserting profile failed", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "storage temporarily unavailable, please retry")
		return
	}
	p, err := g.store.GetProfile(r.Context(), id.UserID)
	if err != nil {
		g.sendServiceError(w, &chat.PersistenceError{Op: "get profile", Err: err})
		return
	}
	g.writeJSON(w, http.StatusOK, p)
}

func (g *Gateway) handleSeed(w http.ResponseWriter, r *http.Request) {
	var f seed.File
	if err := decodeJSON(r, &f); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := f.Validate(); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := seed.Apply(r.Context(), g.store, &f)
	if err != nil {
		g.logger.Error("seeding failed", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "storage temporarily unavailable, please retry")
		return
	}
	g.logger.Info("seed applied", "profiles", res.Profiles, "products", res.Products)
	g.writeJSON(w, http.StatusOK, res)
}
