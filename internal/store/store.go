// ABOUTME: Store interfaces and row types for tradepost persistence
// ABOUTME: Defines conversations, messages, notifications, profiles, products and inquiries

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Relation names, shared by queries and change events
const (
	RelationConversations = "conversations"
	RelationMessages      = "messages"
	RelationNotifications = "notifications"
	RelationProfiles      = "profiles"
	RelationProducts      = "products"
	RelationInquiries     = "inquiries"
)

// Conversation is a thread between one buyer and one seller, optionally about a product.
// LastMessage and LastMessageAt are a denormalized summary of the newest message.
type Conversation struct {
	ID            string     `json:"id"`
	BuyerID       string     `json:"buyer_id"`
	SellerID      string     `json:"seller_id"`
	ProductID     *string    `json:"product_id"`
	ProductName   *string    `json:"product_name"`
	LastMessage   *string    `json:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// HasParticipant reports whether userID is the buyer or the seller.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.BuyerID == userID || c.SellerID == userID)
}

// Message is one unit of text in a conversation. Only Read changes after insert.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	Seq            int64     `json:"seq"` // store-assigned, breaks created_at ties
	CreatedAt      time.Time `json:"created_at"`
}

// NotificationType tags a feed entry
type NotificationType string

const (
	NotificationMessage NotificationType = "message"
	NotificationInquiry NotificationType = "inquiry"
	NotificationInfo    NotificationType = "info"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationMessage, NotificationInquiry, NotificationInfo:
		return true
	}
	return false
}

// Notification is a recipient-scoped feed entry
type Notification struct {
	ID             string           `json:"id"`
	RecipientID    string           `json:"recipient_id"`
	Type           NotificationType `json:"type"`
	Title          string           `json:"title"`
	Content        string           `json:"content"`
	ConversationID *string          `json:"conversation_id"`
	Read           bool             `json:"read"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Profile holds the public identity of a marketplace user
type Profile struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"` // buyer, seller, admin
	AvatarURL *string   `json:"avatar_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Product is the minimal product reference needed to route inquiries to a seller
type Product struct {
	ID        string    `json:"id"`
	SellerID  string    `json:"seller_id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InquiryStatus is the lifecycle state of an inquiry
type InquiryStatus string

const (
	InquiryPending   InquiryStatus = "pending"
	InquiryContacted InquiryStatus = "contacted"
	InquiryClosed    InquiryStatus = "closed"
)

// Inquiry is a buyer's request to a seller about a product
type Inquiry struct {
	ID             string        `json:"id"`
	BuyerID        string        `json:"buyer_id"`
	SellerID       string        `json:"seller_id"`
	ProductID      string        `json:"product_id"`
	ConversationID string        `json:"conversation_id"`
	Message        string        `json:"message"`
	Quantity       int           `json:"quantity"`
	Status         InquiryStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// InquiryFilter selects inquiries by participant. Empty fields match everything.
type InquiryFilter struct {
	BuyerID  string
	SellerID string
	// ParticipantID matches rows where the user is buyer OR seller
	ParticipantID string
	Limit         int
}

// ConversationStore persists conversations
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// FindConversation returns the conversation for the exact (buyer, seller, product) triple.
	// An empty productID matches conversations without a product.
	FindConversation(ctx context.Context, buyerID, sellerID, productID string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error)
}

// MessageStore persists messages
type MessageStore interface {
	// InsertMessage assigns Seq, stores the message and refreshes the owning
	// conversation's last-message summary in one transaction.
	InsertMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	// MarkMessagesRead flags every unread message not sent by readerID and
	// returns how many rows changed.
	MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

// NotificationStore persists notification feeds
type NotificationStore interface {
	InsertNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]*Notification, error)
	MarkNotificationRead(ctx context.Context, recipientID, id string) error
	MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error)
}

// ProfileStore persists user profiles
type ProfileStore interface {
	UpsertProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	// GetProfiles returns the profiles that exist for userIDs; missing ids are skipped.
	GetProfiles(ctx context.Context, userIDs []string) ([]*Profile, error)
}

// ProductStore persists product references
type ProductStore interface {
	UpsertProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)
}

// InquiryStore persists inquiries
type InquiryStore interface {
	CreateInquiry(ctx context.Context, inq *Inquiry) error
	GetInquiry(ctx context.Context, id string) (*Inquiry, error)
	ListInquiries(ctx context.Context, filter InquiryFilter) ([]*Inquiry, error)
	UpdateInquiryStatus(ctx context.Context, id string, status InquiryStatus) error
}

// Store is the complete row store used by the gateway
type Store interface {
	ConversationStore
	MessageStore
	NotificationStore
	ProfileStore
	ProductStore
	InquiryStore

	// Ping reports whether the backend is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
