// ABOUTME: Partner Resolver maps a viewer and a conversation to the counterpart's display name
// ABOUTME: Names come from one batch profile lookup and the cache is rebuilt wholesale

package partner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/tradepost/internal/store"
)

// Placeholder is shown for counterparts whose profile is not resolved yet
const Placeholder = "Loading…"

// ProfileLookup is what the resolver needs from storage
type ProfileLookup interface {
	GetProfiles(ctx context.Context, userIDs []string) ([]*store.Profile, error)
}

// Resolver caches counterpart display names for one viewer.
type Resolver struct {
	profiles ProfileLookup
	logger   *slog.Logger

	mu    sync.RWMutex
	names map[string]string
}

// NewResolver creates an empty resolver
func NewResolver(profiles ProfileLookup, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		profiles: profiles,
		logger:   logger.With("component", "partner"),
		names:    make(map[string]string),
	}
}

// PartnerID returns the buyer when userID is the seller, otherwise the seller.
func PartnerID(userID string, conv *store.Conversation) string {
	if conv.SellerID == userID {
		return conv.BuyerID
	}
	return conv.SellerID
}

// Rebuild replaces the cache with names for every counterpart of userID in convs.
// On lookup failure the previous cache is kept and the error returned.
func (r *Resolver) Rebuild(ctx context.Context, userID string, convs []*store.Conversation) error {
	ids := make([]string, 0, len(convs))
	seen := make(map[string]bool, len(convs))
	for _, c := range convs {
		id := PartnerID(userID, c)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	names := make(map[string]string, len(ids))
	if len(ids) > 0 {
		profiles, err := r.profiles.GetProfiles(ctx, ids)
		if err != nil {
			r.logger.Warn("partner lookup failed", "user_id", userID, "count", len(ids), "error", err)
			return fmt.Errorf("looking up partner profiles: %w", err)
		}
		for _, p := range profiles {
			names[p.UserID] = p.Name
		}
	}

	r.mu.Lock()
	r.names = names
	r.mu.Unlock()
	return nil
}

// Name returns the counterpart's display name or Placeholder.
func (r *Resolver) Name(userID string, conv *store.Conversation) string {
	return r.NameOf(PartnerID(userID, conv))
}

// NameOf returns the cached display name for partnerID or Placeholder.
func (r *Resolver) NameOf(partnerID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.names[partnerID]; ok && name != "" {
		return name
	}
	return Placeholder
}

// Names returns a copy of the cache
func (r *Resolver) Names() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.names))
	for k, v := range r.names {
		out[k] = v
	}
	return out
}

// Reset empties the cache
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.names = make(map[string]string)
	r.mu.Unlock()
}
