// ABOUTME: Inquiry service routing buyer product inquiries to sellers
// ABOUTME: Creates the conversation, records the inquiry and posts it as the buyer's first message

package inquiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tradepost/internal/chat"
	"github.com/2389/tradepost/internal/store"
)

// ErrSellerNotRegistered is returned when the product has no known seller
var ErrSellerNotRegistered = errors.New("seller not registered yet")

// ErrForbidden is returned when someone other than the seller changes status
var ErrForbidden = errors.New("only the seller can update this inquiry")

// ErrInvalidTransition is returned for status changes outside the lifecycle
var ErrInvalidTransition = errors.New("invalid status transition")

// DefaultListLimit caps List results
const DefaultListLimit = 100

// Store is the persistence Service needs
type Store interface {
	store.ProductStore
	store.InquiryStore
}

// Service handles inquiry creation and lifecycle
type Service struct {
	store  Store
	dir    *chat.Directory
	stream *chat.Stream
	logger *slog.Logger
}

// NewService creates an inquiry service
func NewService(s Store, dir *chat.Directory, stream *chat.Stream, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		dir:    dir,
		stream: stream,
		logger: logger.With("component", "inquiry"),
	}
}

// CreateRequest describes a new inquiry
type CreateRequest struct {
	BuyerID   string `json:"buyer_id"`
	ProductID string `json:"product_id"`
	Message   string `json:"message"`
	Quantity  int    `json:"quantity"`
}

// Create records an inquiry and opens (or reuses) the buyer/seller conversation
// for the product. The inquiry text becomes a message from the buyer.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Inquiry, error) {
	text := strings.TrimSpace(req.Message)
	switch {
	case req.BuyerID == "":
		return nil, &chat.ValidationError{Field: "buyer_id", Reason: "is required"}
	case req.ProductID == "":
		return nil, &chat.ValidationError{Field: "product_id", Reason: "is required"}
	case req.Quantity < 1:
		return nil, &chat.ValidationError{Field: "quantity", Reason: "must be at least 1"}
	case text == "":
		return nil, &chat.ValidationError{Field: "message", Reason: "must not be empty"}
	}

	product, err := s.store.GetProduct(ctx, req.ProductID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && product.SellerID == "") {
		return nil, ErrSellerNotRegistered
	}
	if err != nil {
		return nil, &chat.PersistenceError{Op: "get product", Err: err}
	}
	if product.SellerID == req.BuyerID {
		return nil, &chat.ValidationError{Field: "buyer_id", Reason: "cannot inquire about your own product"}
	}

	conv, err := s.dir.GetOrCreateConversation(ctx, chat.ConversationRequest{
		BuyerID:     req.BuyerID,
		SellerID:    product.SellerID,
		ProductID:   product.ID,
		ProductName: product.Name,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inq := &store.Inquiry{
		ID:             uuid.New().String(),
		BuyerID:        req.BuyerID,
		SellerID:       product.SellerID,
		ProductID:      product.ID,
		ConversationID: conv.ID,
		Message:        text,
		Quantity:       req.Quantity,
		Status:         store.InquiryPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateInquiry(ctx, inq); err != nil {
		return nil, &chat.PersistenceError{Op: "create inquiry", Err: err}
	}

	if _, err := s.stream.SendMessage(ctx, chat.SendRequest{
		ConversationID: conv.ID,
		SenderID:       req.BuyerID,
		Content:        fmt.Sprintf("Inquiry for %s (quantity %d): %s", productLabel(product), req.Quantity, text),
	}); err != nil {
		// The inquiry stands; the seller still sees it in their list
		s.logger.Warn("posting inquiry message failed", "inquiry_id", inq.ID, "error", err)
	}

	s.logger.Info("inquiry created",
		"inquiry_id", inq.ID,
		"product_id", inq.ProductID,
		"seller_id", inq.SellerID)
	return inq, nil
}

// List returns inquiries where userID is buyer or seller, newest first.
// Like every read it fails soft.
func (s *Service) List(ctx context.Context, userID string) ([]*store.Inquiry, error) {
	items, err := s.store.ListInquiries(ctx, store.InquiryFilter{ParticipantID: userID, Limit: DefaultListLimit})
	if err != nil {
		s.logger.Warn("listing inquiries failed", "user_id", userID, "error", err)
		return []*store.Inquiry{}, &chat.PersistenceError{Op: "list inquiries", Err: err}
	}
	if items == nil {
		items = []*store.Inquiry{}
	}
	return items, nil
}

// UpdateStatus moves an inquiry along its lifecycle. Only the seller may do so.
func (s *Service) UpdateStatus(ctx context.Context, sellerID, id string, status store.InquiryStatus) (*store.Inquiry, error) {
	inq, err := s.store.GetInquiry(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("inquiry %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return nil, &chat.PersistenceError{Op: "get inquiry", Err: err}
	}
	if inq.SellerID != sellerID {
		return nil, ErrForbidden
	}
	if !CanTransition(inq.Status, status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, inq.Status, status)
	}

	if err := s.store.UpdateInquiryStatus(ctx, id, status); err != nil {
		return nil, &chat.PersistenceError{Op: "update inquiry status", Err: err}
	}
	inq.Status = status
	inq.UpdatedAt = time.Now().UTC()
	return inq, nil
}

// CanTransition reports whether from may move to to
func CanTransition(from, to store.InquiryStatus) bool {
	switch from {
	case store.InquiryPending:
		return to == store.InquiryContacted || to == store.InquiryClosed
	case store.InquiryContacted:
		return to == store.InquiryClosed
	}
	return false
}

func productLabel(p *store.Product) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
