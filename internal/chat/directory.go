// ABOUTME: Conversation Directory lists a user's conversations and finds or creates them
// ABOUTME: Lookups use the exact (buyer, seller, product) triple

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tradepost/internal/changefeed"
	"github.com/2389/tradepost/internal/store"
)

// Directory owns conversation lookup and creation
type Directory struct {
	store  store.ConversationStore
	hub    *changefeed.Hub
	logger *slog.Logger
}

// NewDirectory creates a Directory. hub may be nil if Watch is never used.
func NewDirectory(s store.ConversationStore, hub *changefeed.Hub, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  s,
		hub:    hub,
		logger: logger.With("component", "directory"),
	}
}

// ConversationRequest identifies a conversation by its triple.
// ProductID and ProductName are optional.
type ConversationRequest struct {
	BuyerID     string
	SellerID    string
	ProductID   string
	ProductName string
}

// ListConversations returns every conversation the user takes part in, most
// recently active first. On store failure it returns an empty list together
// with the error so callers can render an empty state.
func (d *Directory) ListConversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	if userID == "" {
		return []*store.Conversation{}, invalid("user_id", "is required")
	}
	convs, err := d.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		d.logger.Warn("listing conversations failed", "user_id", userID, "error", err)
		return []*store.Conversation{}, persistence("list conversations", err)
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	return convs, nil
}

// GetOrCreateConversation returns the conversation for the exact triple,
// creating it when none exists. Failures are never retried: concurrent
// identical calls may each create a conversation and both are kept.
func (d *Directory) GetOrCreateConversation(ctx context.Context, req ConversationRequest) (*store.Conversation, error) {
	req.BuyerID = strings.TrimSpace(req.BuyerID)
	req.SellerID = strings.TrimSpace(req.SellerID)
	req.ProductID = strings.TrimSpace(req.ProductID)

	switch {
	case req.BuyerID == "":
		return nil, invalid("buyer_id", "is required")
	case req.SellerID == "":
		return nil, invalid("seller_id", "is required")
	case req.BuyerID == req.SellerID:
		return nil, invalid("seller_id", "must differ from buyer_id")
	}

	existing, err := d.store.FindConversation(ctx, req.BuyerID, req.SellerID, req.ProductID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, persistence("find conversation", err)
	}

	conv := &store.Conversation{
		ID:        uuid.New().String(),
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		CreatedAt: time.Now().UTC(),
	}
	if req.ProductID != "" {
		productID := req.ProductID
		conv.ProductID = &productID
	}
	if name := strings.TrimSpace(req.ProductName); name != "" {
		conv.ProductName = &name
	}

	if err := d.store.CreateConversation(ctx, conv); err != nil {
		d.logger.Error("creating conversation failed",
			"buyer_id", req.BuyerID,
			"seller_id", req.SellerID,
			"product_id", req.ProductID,
			"error", err)
		return nil, persistence("create conversation", err)
	}

	d.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"buyer_id", conv.BuyerID,
		"seller_id", conv.SellerID)
	return conv, nil
}

// GetConversation returns the conversation if userID takes part in it.
func (d *Directory) GetConversation(ctx context.Context, userID, conversationID string) (*store.Conversation, error) {
	if conversationID == "" {
		return nil, invalid("conversation_id", "is required")
	}
	conv, err := d.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, persistence("get conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// Watch delivers every conversation insert or update involving userID.
type Watch struct {
	C <-chan *store.Conversation

	subs []*changefeed.Subscription
	done chan struct{}
}

// Close releases the underlying subscriptions. Safe to call more than once.
func (w *Watch) Close() {
	for _, s := range w.subs {
		s.Close()
	}
	<-w.done
}

// Watch subscribes to conversation changes where the user is buyer or seller.
func (d *Directory) Watch(ctx context.Context, userID string) *Watch {
	asBuyer := d.hub.Subscribe(ctx, changefeed.Filter{Relation: store.RelationConversations, Column: "buyer_id", Value: userID})
	asSeller := d.hub.Subscribe(ctx, changefeed.Filter{Relation: store.RelationConversations, Column: "seller_id", Value: userID})

	out := make(chan *store.Conversation, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		a, b := asBuyer.C, asSeller.C
		for a != nil || b != nil {
			var c store.Change
			var ok bool
			select {
			case c, ok = <-a:
				if !ok {
					a = nil
					continue
				}
			case c, ok = <-b:
				if !ok {
					b = nil
					continue
				}
			}
			select {
			case out <- c.Conversation:
			default:
				d.logger.Debug("dropped conversation change for slow watcher", "user_id", userID)
			}
		}
	}()

	return &Watch{C: out, subs: []*changefeed.Subscription{asBuyer, asSeller}, done: done}
}
