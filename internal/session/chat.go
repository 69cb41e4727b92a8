// ABOUTME: ChatSession holds one client's conversation list, open conversation and draft
// ABOUTME: Owns at most one live message subscription and discards stale history fetches

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/tradepost/internal/changefeed"
	"github.com/2389/tradepost/internal/chat"
	"github.com/2389/tradepost/internal/partner"
	"github.com/2389/tradepost/internal/store"
)

// ErrNoActiveConversation is returned by Send when nothing is open
var ErrNoActiveConversation = errors.New("no conversation is open")

// ChatSession is the conversation view state of one connected client.
type ChatSession struct {
	userID   string
	dir      *chat.Directory
	stream   *chat.Stream
	partners *partner.Resolver
	emit     Emitter
	logger   *slog.Logger

	mu            sync.Mutex
	conversations []*store.Conversation
	activeID      string
	messages      []*store.Message
	seen          map[string]bool
	loaded        bool
	draft         string
	generation    uint64 // bumped on every Open and Reset
	epoch         uint64 // bumped on Reset
	refreshSeq    uint64 // bumped when a Refresh starts
	appliedSeq    uint64 // last Refresh whose list was applied

	// refreshMu orders the apply step of concurrent Refresh calls
	refreshMu sync.Mutex
	msgSub        *changefeed.Subscription
	watch         *chat.Watch
}

// NewChatSession creates a session for userID. emit may be nil.
func NewChatSession(userID string, dir *chat.Directory, stream *chat.Stream, partners *partner.Resolver, emit Emitter, logger *slog.Logger) *ChatSession {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = discard
	}
	return &ChatSession{
		userID:   userID,
		dir:      dir,
		stream:   stream,
		partners: partners,
		emit:     emit,
		logger:   logger.With("component", "chat_session", "user_id", userID),
		seen:     make(map[string]bool),
	}
}

// Start loads the conversation list and keeps it fresh from conversation changes.
func (s *ChatSession) Start(ctx context.Context) error {
	w := s.dir.Watch(ctx, s.userID)

	s.mu.Lock()
	if s.watch != nil {
		s.watch.Close()
	}
	s.watch = w
	s.mu.Unlock()

	go func() {
		for range w.C {
			if err := s.Refresh(ctx); err != nil {
				s.logger.Debug("refresh after conversation change failed", "error", err)
			}
		}
	}()

	return s.Refresh(ctx)
}

// Refresh refetches the conversation list and rebuilds partner names.
// On failure the list becomes empty and the error is returned. A fetch that
// finishes after a later Refresh has already been applied is discarded.
func (s *ChatSession) Refresh(ctx context.Context) error {
	s.mu.Lock()
	epoch := s.epoch
	s.refreshSeq++
	seq := s.refreshSeq
	s.mu.Unlock()

	convs, err := s.dir.ListConversations(ctx, s.userID)
	if err != nil {
		s.logger.Warn("listing conversations failed", "error", err)
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if s.stale(seq, epoch) {
		s.logger.Debug("discarding superseded conversation list", "seq", seq)
		return nil
	}

	if perr := s.partners.Rebuild(ctx, s.userID, convs); perr != nil && err == nil {
		// Names fall back to the placeholder; the list itself is still good
		s.logger.Warn("resolving partner names failed", "error", perr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		// Reset while the fetch was in flight
		return nil
	}
	s.appliedSeq = seq
	s.conversations = convs
	s.emit(Event{Type: EventConversations, Conversations: s.viewsLocked()})
	if err != nil {
		s.emit(Event{Type: EventError, Error: "could not load conversations"})
	}
	return err
}

// stale reports whether a Refresh started at seq in epoch has been overtaken
// by a Reset or by a newer Refresh that already applied its list.
func (s *ChatSession) stale(seq, epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return epoch != s.epoch || seq < s.appliedSeq
}

func (s *ChatSession) viewsLocked() []ConversationView {
	views := make([]ConversationView, 0, len(s.conversations))
	for _, c := range s.conversations {
		views = append(views, ConversationView{
			Conversation: c,
			PartnerID:    partner.PartnerID(s.userID, c),
			PartnerName:  s.partners.Name(s.userID, c),
		})
	}
	return views
}

// Conversations returns the current list with partner names resolved
func (s *ChatSession) Conversations() []ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewsLocked()
}

// Open makes conversationID the active conversation. It replaces the live
// subscription, fetches history and marks the conversation read. A history
// response that arrives after another Open is discarded.
func (s *ChatSession) Open(ctx context.Context, conversationID string) error {
	if _, err := s.dir.GetConversation(ctx, s.userID, conversationID); err != nil {
		return err
	}

	s.mu.Lock()
	s.releaseLocked()
	s.generation++
	gen := s.generation
	s.activeID = conversationID
	s.messages = nil
	s.seen = make(map[string]bool)
	s.loaded = false
	sub := s.stream.Subscribe(ctx, conversationID)
	s.msgSub = sub
	s.mu.Unlock()

	go s.pump(gen, sub)

	history, err := s.stream.GetMessages(ctx, conversationID)

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.logger.Debug("discarding stale history", "conversation_id", conversationID)
		return nil
	}
	live := s.messages
	merged := make([]*store.Message, 0, len(history)+len(live))
	seen := make(map[string]bool, len(history)+len(live))
	for _, m := range history {
		if !seen[m.ID] {
			seen[m.ID] = true
			merged = append(merged, m)
		}
	}
	for _, m := range live {
		if !seen[m.ID] {
			seen[m.ID] = true
			merged = append(merged, m)
		}
	}
	s.messages = merged
	s.seen = seen
	s.loaded = true
	s.emit(Event{Type: EventHistory, ConversationID: conversationID, Messages: copyMessages(merged)})
	if err != nil {
		s.emit(Event{Type: EventError, ConversationID: conversationID, Error: "could not load messages"})
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if _, err := s.stream.MarkRead(ctx, conversationID, s.userID); err != nil {
		s.logger.Warn("marking conversation read failed", "conversation_id", conversationID, "error", err)
	}
	return nil
}

func (s *ChatSession) pump(gen uint64, sub *changefeed.Subscription) {
	for c := range sub.C {
		if c.Message != nil {
			s.appendMessage(gen, c.Message)
		}
	}
}

// appendMessage adds a message to the open conversation once.
func (s *ChatSession) appendMessage(gen uint64, m *store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || m.ConversationID != s.activeID || s.seen[m.ID] {
		return
	}
	s.seen[m.ID] = true
	s.messages = append(s.messages, m)
	if s.loaded {
		s.emit(Event{Type: EventMessage, ConversationID: m.ConversationID, Message: m})
	}
}

// Send posts content to the open conversation. The draft is kept until the
// store acknowledges the write and is restored if the write fails.
func (s *ChatSession) Send(ctx context.Context, content, clientMessageID string) (*store.Message, error) {
	s.mu.Lock()
	convID := s.activeID
	gen := s.generation
	s.draft = content
	s.mu.Unlock()

	if convID == "" {
		return nil, ErrNoActiveConversation
	}

	msg, err := s.stream.SendMessage(ctx, chat.SendRequest{
		ConversationID:  convID,
		SenderID:        s.userID,
		Content:         content,
		ClientMessageID: clientMessageID,
	})
	if err != nil {
		s.mu.Lock()
		s.draft = content
		s.emit(Event{Type: EventSendFailed, ConversationID: convID, Draft: content, Error: err.Error()})
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	if s.draft == content {
		s.draft = ""
	}
	s.mu.Unlock()

	// The live subscription normally delivers it first; this covers a dropped change
	s.appendMessage(gen, msg)
	return msg, nil
}

// SetDraft records unsent compose text
func (s *ChatSession) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

// Draft returns the unsent compose text
func (s *ChatSession) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// ActiveConversation returns the open conversation id, or ""
func (s *ChatSession) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Messages returns the open conversation's messages in display order
func (s *ChatSession) Messages() []*store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMessages(s.messages)
}

// Reset drops all state and releases every subscription. Used when the
// authenticated user changes or logs out.
func (s *ChatSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked()
	if s.watch != nil {
		s.watch.Close()
		s.watch = nil
	}
	s.generation++
	s.epoch++
	s.conversations = nil
	s.activeID = ""
	s.messages = nil
	s.seen = make(map[string]bool)
	s.loaded = false
	s.draft = ""
	s.partners.Reset()
}

// Close releases every subscription
func (s *ChatSession) Close() {
	s.Reset()
}

// releaseLocked closes the live message subscription. Caller holds mu.
func (s *ChatSession) releaseLocked() {
	if s.msgSub != nil {
		s.msgSub.Close()
		s.msgSub = nil
	}
}

func copyMessages(in []*store.Message) []*store.Message {
	out := make([]*store.Message, len(in))
	copy(out, in)
	return out
}
