// ABOUTME: Message Stream reads history, appends messages and tracks read state
// ABOUTME: Every append is a committed store write that fans out through the change feed

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
	"github.com/2389/tradepost/internal/dedupe"
	"github.com/2389/tradepost/internal/store"
)

// StreamStore is what the Stream needs from storage
type StreamStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	InsertMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
	MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

// Stream is the message layer of a conversation.
type Stream struct {
	store  StreamStore
	hub    *changefeed.Hub
	sent   *dedupe.Cache[*store.Message]
	logger *slog.Logger
}

// NewStream creates a Stream. sent may be nil to disable idempotent sends.
func NewStream(s StreamStore, hub *changefeed.Hub, sent *dedupe.Cache[*store.Message], logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		store:  s,
		hub:    hub,
		sent:   sent,
		logger: logger.With("component", "stream"),
	}
}

// SendRequest is one message to append
type SendRequest struct {
	ConversationID string
	SenderID       string
	Content        string

	// ClientMessageID makes retries of the same send return the first result
	ClientMessageID string
}

// GetMessages returns the full history of a conversation, oldest first.
// On store failure it returns an empty list together with the error.
func (s *Stream) GetMessages(ctx context.Context, conversationID string) ([]*store.Message, error) {
	if conversationID == "" {
		return []*store.Message{}, invalid("conversation_id", "is required")
	}
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		s.logger.Warn("fetching history failed", "conversation_id", conversationID, "error", err)
		return []*store.Message{}, persistence("get messages", err)
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	return msgs, nil
}

// SendMessage appends one message to the conversation.
// Blank content is rejected before the store is touched.
func (s *Stream) SendMessage(ctx context.Context, req SendRequest) (*store.Message, error) {
	content := strings.TrimSpace(req.Content)
	switch {
	case content == "":
		return nil, invalid("content", "must not be empty")
	case req.ConversationID == "":
		return nil, invalid("conversation_id", "is required")
	case req.SenderID == "":
		return nil, invalid("sender_id", "is required")
	}

	send := func() (*store.Message, error) {
		return s.send(ctx, req.ConversationID, req.SenderID, content)
	}
	if s.sent == nil || req.ClientMessageID == "" {
		return send()
	}

	key := req.SenderID + "\x00" + req.ConversationID + "\x00" + req.ClientMessageID
	msg, replayed, err := s.sent.Do(key, send)
	if err != nil {
		return nil, err
	}
	if replayed {
		s.logger.Debug("replayed idempotent send",
			"conversation_id", req.ConversationID,
			"client_message_id", req.ClientMessageID,
			"message_id", msg.ID)
	}
	cp := *msg
	return &cp, nil
}

func (s *Stream) send(ctx context.Context, conversationID, senderID, content string) (*store.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, persistence("get conversation", err)
	}
	if !conv.HasParticipant(senderID) {
		return nil, ErrNotParticipant
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		s.logger.Error("saving message failed",
			"conversation_id", conversationID,
			"sender_id", senderID,
			"error", err)
		return nil, persistence("send message", err)
	}

	s.logger.Debug("message saved",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"seq", msg.Seq)
	return msg, nil
}

// MarkRead flags every message in the conversation not sent by readerID.
// Calling it again changes nothing.
func (s *Stream) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	switch {
	case conversationID == "":
		return 0, invalid("conversation_id", "is required")
	case readerID == "":
		return 0, invalid("reader_id", "is required")
	}
	n, err := s.store.MarkMessagesRead(ctx, conversationID, readerID)
	if err != nil {
		return 0, persistence("mark read", err)
	}
	return n, nil
}

// Subscribe delivers messages inserted into the conversation in arrival order.
// The caller owns the subscription and must Close it.
func (s *Stream) Subscribe(ctx context.Context, conversationID string) *changefeed.Subscription {
	return s.hub.Subscribe(ctx, MessageFilter(conversationID))
}

// MessageFilter selects message inserts for one conversation
func MessageFilter(conversationID string) changefeed.Filter {
	return changefeed.Filter{
		Relation: store.RelationMessages,
		Kind:     store.ChangeInsert,
		Column:   "conversation_id",
		Value:    conversationID,
	}
}
