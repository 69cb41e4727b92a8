// ABOUTME: Trigger turns committed messages and inquiries into notifications
// ABOUTME: Runs on the change feed so every write path produces the same notifications

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/tradepost/internal/changefeed"
	"github.com/2389/tradepost/internal/partner"
	"github.com/2389/tradepost/internal/store"
)

const (
	// PreviewLength is the maximum length, in runes, of notification content
	PreviewLength = 120

	titleNewMessage = "New message"
)

// TriggerStore is what the trigger reads to address notifications
type TriggerStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetProduct(ctx context.Context, id string) (*store.Product, error)
}

// Trigger consumes the change feed and writes notifications.
type Trigger struct {
	hub    *changefeed.Hub
	feed   *Feed
	store  TriggerStore
	logger *slog.Logger
}

// NewTrigger creates a Trigger
func NewTrigger(hub *changefeed.Hub, feed *Feed, s TriggerStore, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		hub:    hub,
		feed:   feed,
		store:  s,
		logger: logger.With("component", "notify_trigger"),
	}
}

// Run processes message and inquiry inserts until ctx is cancelled. Both
// subscriptions are queued so a burst of writes never loses a notification.
func (t *Trigger) Run(ctx context.Context) error {
	messages := t.hub.SubscribeQueued(ctx, changefeed.Filter{Relation: store.RelationMessages, Kind: store.ChangeInsert})
	defer messages.Close()
	inquiries := t.hub.SubscribeQueued(ctx, changefeed.Filter{Relation: store.RelationInquiries, Kind: store.ChangeInsert})
	defer inquiries.Close()

	t.logger.Info("notification trigger started")
	for {
		var (
			change store.Change
			ok     bool
		)
		select {
		case <-ctx.Done():
			return nil
		case change, ok = <-messages.C:
		case change, ok = <-inquiries.C:
		}
		if !ok {
			return nil
		}
		if err := t.Handle(ctx, change); err != nil {
			t.logger.Warn("notification trigger failed",
				"relation", change.Relation,
				"error", err)
		}
	}
}

// Handle produces the notification for one change, if any. Changes relayed
// from another instance are skipped; that instance notifies for them.
func (t *Trigger) Handle(ctx context.Context, change store.Change) error {
	if change.Kind != store.ChangeInsert || change.Origin != "" {
		return nil
	}
	switch {
	case change.Message != nil:
		return t.onMessage(ctx, change.Message)
	case change.Inquiry != nil:
		return t.onInquiry(ctx, change.Inquiry)
	}
	return nil
}

func (t *Trigger) onMessage(ctx context.Context, msg *store.Message) error {
	conv, err := t.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("loading conversation %s: %w", msg.ConversationID, err)
	}
	if !conv.HasParticipant(msg.SenderID) {
		return nil
	}
	recipient := partner.PartnerID(msg.SenderID, conv)
	if recipient == "" || recipient == msg.SenderID {
		return nil
	}

	_, err = t.feed.Notify(ctx, Request{
		RecipientID:    recipient,
		Type:           store.NotificationMessage,
		Title:          titleNewMessage,
		Content:        Preview(msg.Content),
		ConversationID: conv.ID,
	})
	return err
}

func (t *Trigger) onInquiry(ctx context.Context, inq *store.Inquiry) error {
	if inq.SellerID == "" || inq.SellerID == inq.BuyerID {
		return nil
	}

	productName := inq.ProductID
	product, err := t.store.GetProduct(ctx, inq.ProductID)
	switch {
	case err == nil && product.Name != "":
		productName = product.Name
	case err != nil && !errors.Is(err, store.ErrNotFound):
		t.logger.Warn("product lookup failed, using id", "product_id", inq.ProductID, "error", err)
	}

	_, err = t.feed.Notify(ctx, Request{
		RecipientID:    inq.SellerID,
		Type:           store.NotificationInquiry,
		Title:          "New inquiry for " + productName,
		Content:        Preview(fmt.Sprintf("Quantity %d: %s", inq.Quantity, inq.Message)),
		ConversationID: inq.ConversationID,
	})
	return err
}

// Preview shortens s to at most PreviewLength runes, ending in an ellipsis when cut.
func Preview(s string) string {
	r := []rune(s)
	if len(r) <= PreviewLength {
		return s
	}
	return string(r[:PreviewLength-1]) + "…"
}
