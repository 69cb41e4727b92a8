// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject per-operation failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// It publishes the same change events as the real backends.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	convOrder     []string
	messages      map[string][]*Message // keyed by conversation ID
	notifications map[string]*Notification
	profiles      map[string]*Profile
	products      map[string]*Product
	inquiries     map[string]*Inquiry
	seq           int64

	failures  map[string]error
	calls     map[string]int
	publisher ChangePublisher
}

// NewMockStore creates a new MockStore.
func NewMockStore(opts ...Option) *MockStore {
	o := buildOptions(opts)
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		notifications: make(map[string]*Notification),
		profiles:      make(map[string]*Profile),
		products:      make(map[string]*Product),
		inquiries:     make(map[string]*Inquiry),
		failures:      make(map[string]error),
		calls:         make(map[string]int),
		publisher:     o.publisher,
	}
}

// SetPublisher replaces the change publisher
func (m *MockStore) SetPublisher(p ChangePublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		p = discardPublisher{}
	}
	m.publisher = p
}

// FailOn makes every subsequent call to the named method return err.
// Passing a nil err clears the failure.
func (m *MockStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// Calls returns how many times the named method was invoked
func (m *MockStore) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// enter records a call and returns the injected failure, if any. Caller holds mu.
func (m *MockStore) enter(method string) error {
	m.calls[method]++
	return m.failures[method]
}

func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	if err := m.enter("CreateConversation"); err != nil {
		m.mu.Unlock()
		return err
	}
	c := *conv
	m.conversations[c.ID] = &c
	m.convOrder = append(m.convOrder, c.ID)
	pub := m.publisher
	m.mu.Unlock()

	pub.Publish(conversationChange(ChangeInsert, &c))
	return nil
}

func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetConversation"); err != nil {
		return nil, err
	}
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

func (m *MockStore) FindConversation(ctx context.Context, buyerID, sellerID, productID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindConversation"); err != nil {
		return nil, err
	}

	var found *Conversation
	for _, id := range m.convOrder {
		c := m.conversations[id]
		if c.BuyerID != buyerID || c.SellerID != sellerID {
			continue
		}
		if productID == "" && c.ProductID != nil {
			continue
		}
		if productID != "" && (c.ProductID == nil || *c.ProductID != productID) {
			continue
		}
		if found == nil || c.CreatedAt.Before(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	result := *found
	return &result, nil
}

func (m *MockStore) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListConversationsForUser"); err != nil {
		return nil, err
	}

	var out []*Conversation
	for _, id := range m.convOrder {
		c := m.conversations[id]
		if c.BuyerID == userID || c.SellerID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.LastMessageAt == nil && b.LastMessageAt == nil:
			return a.CreatedAt.After(b.CreatedAt)
		case a.LastMessageAt == nil:
			return false
		case b.LastMessageAt == nil:
			return true
		case !a.LastMessageAt.Equal(*b.LastMessageAt):
			return a.LastMessageAt.After(*b.LastMessageAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return out, nil
}

func (m *MockStore) InsertMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	if err := m.enter("InsertMessage"); err != nil {
		m.mu.Unlock()
		return err
	}
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	m.seq++
	msg.Seq = m.seq
	stored := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &stored)

	content := msg.Content
	at := msg.CreatedAt
	conv.LastMessage = &content
	conv.LastMessageAt = &at
	convCopy := *conv
	pub := m.publisher
	m.mu.Unlock()

	pub.Publish(messageChange(ChangeInsert, &stored))
	pub.Publish(conversationChange(ChangeUpdate, &convCopy))
	return nil
}

func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListMessages"); err != nil {
		return nil, err
	}

	msgs := m.messages[conversationID]
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (m *MockStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	m.mu.Lock()
	if err := m.enter("MarkMessagesRead"); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	var changed []*Message
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID != readerID && !msg.Read {
			msg.Read = true
			cp := *msg
			changed = append(changed, &cp)
		}
	}
	pub := m.publisher
	m.mu.Unlock()

	for _, msg := range changed {
		pub.Publish(messageChange(ChangeUpdate, msg))
	}
	return int64(len(changed)), nil
}

func (m *MockStore) InsertNotification(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	if err := m.enter("InsertNotification"); err != nil {
		m.mu.Unlock()
		return err
	}
	stored := *n
	m.notifications[n.ID] = &stored
	pub := m.publisher
	m.mu.Unlock()

	pub.Publish(notificationChange(ChangeInsert, &stored))
	return nil
}

func (m *MockStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListNotifications"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var out []*Notification
	for _, n := range m.notifications {
		if n.RecipientID == recipientID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) MarkNotificationRead(ctx context.Context, recipientID, id string) error {
	m.mu.Lock()
	if err := m.enter("MarkNotificationRead"); err != nil {
		m.mu.Unlock()
		return err
	}
	n, ok := m.notifications[id]
	if !ok || n.RecipientID != recipientID {
		m.mu.Unlock()
		return ErrNotFound
	}
	n.Read = true
	cp := *n
	pub := m.publisher
	m.mu.Unlock()

	pub.Publish(notificationChange(ChangeUpdate, &cp))
	return nil
}

func (m *MockStore) MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error) {
	m.mu.Lock()
	if err := m.enter("MarkAllNotificationsRead"); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	var changed []*Notification
	for _, n := range m.notifications {
		if n.RecipientID == recipientID && !n.Read {
			n.Read = true
			cp := *n
			changed = append(changed, &cp)
		}
	}
	pub := m.publisher
	m.mu.Unlock()

	for _, n := range changed {
		pub.Publish(notificationChange(ChangeUpdate, n))
	}
	return int64(len(changed)), nil
}

func (m *MockStore) UpsertProfile(ctx context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertProfile"); err != nil {
		return err
	}
	cp := *p
	if existing, ok := m.profiles[p.UserID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	m.profiles[p.UserID] = &cp
	return nil
}

func (m *MockStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetProfile"); err != nil {
		return nil, err
	}
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockStore) GetProfiles(ctx context.Context, userIDs []string) ([]*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetProfiles"); err != nil {
		return nil, err
	}
	var out []*Profile
	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := m.profiles[id]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockStore) UpsertProduct(ctx context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertProduct"); err != nil {
		return err
	}
	cp := *p
	m.products[p.ID] = &cp
	return nil
}

func (m *MockStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetProduct"); err != nil {
		return nil, err
	}
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockStore) CreateInquiry(ctx context.Context, inq *Inquiry) error {
	m.mu.Lock()
	if err := m.enter("CreateInquiry"); err != nil {
		m.mu.Unlock()
		return err
	}
	cp := *inq
	m.inquiries[inq.ID] = &cp
	pub := m.publisher
	m.mu.Unlock()

	pub.Publish(inquiryChange(ChangeInsert, &cp))
	return nil
}

func (m *MockStore) GetInquiry(ctx context.Context, id string) (*Inquiry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetInquiry"); err != nil {
		return nil, err
	}
	inq, ok := m.inquiries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inq
	return &cp, nil
}

func (m *MockStore) ListInquiries(ctx context.Context, filter InquiryFilter) ([]*Inquiry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListInquiries"); err != nil {
		return nil, err
	}

	var out []*Inquiry
	for _, inq := range m.inquiries {
		if filter.BuyerID != "" && inq.BuyerID != filter.BuyerID {
			continue
		}
		if filter.SellerID != "" && inq.SellerID != filter.SellerID {
			continue
		}
		if filter.ParticipantID != "" && inq.BuyerID != filter.ParticipantID && inq.SellerID != filter.ParticipantID {
			continue
		}
		cp := *inq
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) UpdateInquiryStatus(ctx context.Context, id string, status InquiryStatus) error {
	m.mu.Lock()
	if err := m.enter("UpdateInquiryStatus"); err != nil {
		m.mu.Unlock()
		return err
	}
	inq, ok := m.inquiries[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	inq.Status = status
	inq.UpdatedAt = time.Now().UTC()
	cp := *inq
	pub := m.publisher
	m.mu.Unlock()

	pub.Publish(inquiryChange(ChangeUpdate, &cp))
	return nil
}

func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping")
}

func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
