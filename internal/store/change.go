// ABOUTME: Change events emitted by store backends after each committed write
// ABOUTME: Mirrors a database's row-change notifications for live subscribers

package store

import "time"

// ChangeKind is the kind of write that produced a change
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// Change describes one committed row write. Exactly one row field is set,
// matching Relation.
type Change struct {
	Relation     string        `json:"relation"`
	Kind         ChangeKind    `json:"kind"`
	At           time.Time     `json:"at"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Message      *Message      `json:"message,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	Inquiry      *Inquiry      `json:"inquiry,omitempty"`

	// Origin identifies the gateway instance that committed the write.
	// Empty for local writes until a relay stamps it.
	Origin string `json:"origin,omitempty"`
}

// Column returns the value of a filterable column of the changed row.
func (c *Change) Column(name string) (string, bool) {
	switch {
	case c.Conversation != nil:
		switch name {
		case "id":
			return c.Conversation.ID, true
		case "buyer_id":
			return c.Conversation.BuyerID, true
		case "seller_id":
			return c.Conversation.SellerID, true
		}
	case c.Message != nil:
		switch name {
		case "id":
			return c.Message.ID, true
		case "conversation_id":
			return c.Message.ConversationID, true
		case "sender_id":
			return c.Message.SenderID, true
		}
	case c.Notification != nil:
		switch name {
		case "id":
			return c.Notification.ID, true
		case "recipient_id":
			return c.Notification.RecipientID, true
		}
	case c.Inquiry != nil:
		switch name {
		case "id":
			return c.Inquiry.ID, true
		case "buyer_id":
			return c.Inquiry.BuyerID, true
		case "seller_id":
			return c.Inquiry.SellerID, true
		case "conversation_id":
			return c.Inquiry.ConversationID, true
		}
	}
	return "", false
}

// ChangePublisher receives committed changes. Implementations must not block.
type ChangePublisher interface {
	Publish(change Change)
}

// discardPublisher drops every change
type discardPublisher struct{}

func (discardPublisher) Publish(Change) {}

func conversationChange(kind ChangeKind, c *Conversation) Change {
	cp := *c
	return Change{Relation: RelationConversations, Kind: kind, At: time.Now().UTC(), Conversation: &cp}
}

func messageChange(kind ChangeKind, m *Message) Change {
	cp := *m
	return Change{Relation: RelationMessages, Kind: kind, At: time.Now().UTC(), Message: &cp}
}

func notificationChange(kind ChangeKind, n *Notification) Change {
	cp := *n
	return Change{Relation: RelationNotifications, Kind: kind, At: time.Now().UTC(), Notification: &cp}
}

func inquiryChange(kind ChangeKind, i *Inquiry) Change {
	cp := *i
	return Change{Relation: RelationInquiries, Kind: kind, At: time.Now().UTC(), Inquiry: &cp}
}
