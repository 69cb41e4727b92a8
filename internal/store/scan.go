// ABOUTME: Row scanning and value conversion helpers for the SQLite store
// ABOUTME: Timestamps are stored as fixed-width UTC text so ORDER BY works lexically

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Rows written by older builds used RFC3339
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var productID, productName, lastMessage, lastMessageAt sql.NullString
	var createdAt string

	err := row.Scan(&c.ID, &c.BuyerID, &c.SellerID, &productID, &productName, &lastMessage, &lastMessageAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	c.ProductID = stringPtr(productID)
	c.ProductName = stringPtr(productName)
	c.LastMessage = stringPtr(lastMessage)
	if lastMessageAt.Valid {
		t, err := parseTime(lastMessageAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_message_at: %w", err)
		}
		c.LastMessageAt = &t
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &c, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		var m Message
		var read int
		var createdAt string
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &m.SenderID, &m.Content, &read, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.Read = read != 0

		var err error
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

func scanNotifications(rows *sql.Rows) ([]*Notification, error) {
	var out []*Notification
	for rows.Next() {
		var n Notification
		var typ, createdAt string
		var conversationID sql.NullString
		var read int
		if err := rows.Scan(&n.ID, &n.RecipientID, &typ, &n.Title, &n.Content, &conversationID, &read, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		n.Type = NotificationType(typ)
		n.ConversationID = stringPtr(conversationID)
		n.Read = read != 0

		var err error
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing notification created_at: %w", err)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notification rows: %w", err)
	}
	return out, nil
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var avatarURL sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&p.UserID, &p.Name, &p.Email, &p.Role, &avatarURL, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning profile: %w", err)
	}
	p.AvatarURL = stringPtr(avatarURL)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

func scanInquiry(row rowScanner) (*Inquiry, error) {
	var inq Inquiry
	var status, createdAt, updatedAt string

	err := row.Scan(&inq.ID, &inq.BuyerID, &inq.SellerID, &inq.ProductID, &inq.ConversationID,
		&inq.Message, &inq.Quantity, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning inquiry: %w", err)
	}
	inq.Status = InquiryStatus(status)
	if inq.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if inq.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &inq, nil
}
