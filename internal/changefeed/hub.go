// ABOUTME: In-memory fan-out of committed store changes to filtered subscribers
// ABOUTME: Implements store.ChangePublisher so backends publish straight into it

package changefeed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/2389/tradepost/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Filter selects changes. Empty fields match everything.
type Filter struct {
	Relation string
	Kind     store.ChangeKind
	Column   string
	Value    string
}

// Matches reports whether c passes the filter.
func (f Filter) Matches(c store.Change) bool {
	if f.Relation != "" && f.Relation != c.Relation {
		return false
	}
	if f.Kind != "" && f.Kind != c.Kind {
		return false
	}
	if f.Column != "" {
		v, ok := c.Column(f.Column)
		if !ok || v != f.Value {
			return false
		}
	}
	return true
}

// Subscription is one live listener. Read changes from C until it is closed.
type Subscription struct {
	ID     string
	Filter Filter
	C      <-chan store.Change

	ch      chan store.Change
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
	hub     *Hub
	stop    func() bool

	// queued subscriptions only
	queued  bool
	pending []store.Change
	wake    chan struct{}
	done    chan struct{}
}

// Close releases the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
	if s.closed {
		return
	}
	s.closed = true
	if s.queued {
		// forward owns ch
		s.pending = nil
		close(s.done)
		return
	}
	close(s.ch)
}

// Dropped returns how many changes were discarded because C was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// deliver is non-blocking; a full channel drops the change. Queued
// subscriptions never drop.
func (s *Subscription) deliver(c store.Change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if s.queued {
		s.pending = append(s.pending, c)
		select {
		case s.wake <- struct{}{}:
		default:
		}
		return true
	}
	select {
	case s.ch <- c:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// forward moves queued changes onto ch in publish order until Close.
func (s *Subscription) forward() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		c := s.pending[0]
		s.pending[0] = store.Change{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.ch <- c:
		case <-s.done:
			return
		}
	}
}

// Hub provides in-memory pub/sub for committed store changes.
// Subscribers register a Filter and receive matching changes as they are
// published. Consumers that fall behind lose changes and are expected to
// reconcile by refetching.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	logger      *slog.Logger
	published   atomic.Int64
	dropped     atomic.Int64
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]*Subscription),
		logger:      logger.With("component", "changefeed"),
	}
}

// Subscribe registers a listener for changes matching f. The subscription is
// automatically released when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, f Filter) *Subscription {
	return h.subscribe(ctx, f, false)
}

// SubscribeQueued is Subscribe without loss: changes the consumer has not
// read yet wait in an unbounded queue instead of being dropped. Use it for
// consumers that must see every change, never for per-client views.
func (h *Hub) SubscribeQueued(ctx context.Context, f Filter) *Subscription {
	return h.subscribe(ctx, f, true)
}

func (h *Hub) subscribe(ctx context.Context, f Filter, queued bool) *Subscription {
	size := subscriberBufferSize
	if queued {
		size = 0
	}
	ch := make(chan store.Change, size)
	sub := &Subscription{
		ID:     uuid.New().String(),
		Filter: f,
		C:      ch,
		ch:     ch,
		hub:    h,
		queued: queued,
	}
	if queued {
		sub.wake = make(chan struct{}, 1)
		sub.done = make(chan struct{})
		go sub.forward()
	}

	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	h.mu.Unlock()

	h.logger.Debug("subscriber added",
		"sub_id", sub.ID,
		"relation", f.Relation,
		"column", f.Column,
		"value", f.Value,
		"queued", queued)

	stop := context.AfterFunc(ctx, sub.Close)
	sub.mu.Lock()
	if sub.closed {
		stop()
	} else {
		sub.stop = stop
	}
	sub.mu.Unlock()

	return sub
}

// Publish sends a change to every matching subscriber. Never blocks.
func (h *Hub) Publish(c store.Change) {
	h.published.Add(1)

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		if sub.Filter.Matches(c) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if !sub.deliver(c) {
			h.dropped.Add(1)
			h.logger.Debug("dropped change for slow subscriber",
				"sub_id", sub.ID,
				"relation", c.Relation,
				"kind", c.Kind)
		}
	}
}

// Count returns the number of live subscriptions whose filter equals f.
func (h *Hub) Count(f Filter) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, sub := range h.subscribers {
		if sub.Filter == f {
			n++
		}
	}
	return n
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Stats reports totals since the hub was created.
func (h *Hub) Stats() (published, dropped int64) {
	return h.published.Load(), h.dropped.Load()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	_, ok := h.subscribers[id]
	delete(h.subscribers, id)
	h.mu.Unlock()

	if ok {
		h.logger.Debug("subscriber removed", "sub_id", id)
	}
}

// Close releases every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	h.logger.Debug("hub closed")
}

var _ store.ChangePublisher = (*Hub)(nil)
