// ABOUTME: View update events pushed from sessions to their client transport
// ABOUTME: One Event type covers conversation, message and notification updates

package session

import "github.com/2389/tradepost/internal/store"

// Event types
const (
	EventConversations = "conversations"
	EventHistory       = "history"
	EventMessage       = "message"
	EventNotifications = "notifications"
	EventNotification  = "notification"
	EventUnreadCount   = "unread_count"
	EventSendFailed    = "send_failed"
	EventError         = "error"
)

// ConversationView is a conversation with its counterpart resolved for the viewer
type ConversationView struct {
	*store.Conversation
	PartnerID   string `json:"partner_id"`
	PartnerName string `json:"partner_name"`
}

// Event is one view update. Only the fields relevant to Type are set.
type Event struct {
	Type           string                `json:"type"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Conversations  []ConversationView    `json:"conversations,omitempty"`
	Messages       []*store.Message      `json:"messages,omitempty"`
	Message        *store.Message        `json:"message,omitempty"`
	Notifications  []*store.Notification `json:"notifications,omitempty"`
	Notification   *store.Notification   `json:"notification,omitempty"`
	UnreadCount    *int                  `json:"unread_count,omitempty"`
	Draft          string                `json:"draft,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// Emitter receives view updates. It is called with session state locked, so
// it must not block or call back into the session.
type Emitter func(Event)

func discard(Event) {}
