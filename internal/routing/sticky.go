package routing

import (
	"time"

	"github.com/maypok86/otter/v2"
)

const (
	// DefaultStickyTTL expires idle session pins.
	DefaultStickyTTL = 30 * time.Minute

	stickyMaxSessions = 100_000
)

// Sticky pins sessions to the model that first served them. Entries expire
// TTL after the last write, so an abandoned session stops influencing
// routing.
type Sticky struct {
	cache *otter.Cache[string, string]
}

// NewSticky returns a session table with the given TTL (DefaultStickyTTL
// when ttl <= 0).
func NewSticky(ttl time.Duration) (*Sticky, error) {
	if ttl <= 0 {
		ttl = DefaultStickyTTL
	}
	c, err := otter.New(&otter.Options[string, string]{
		MaximumSize:      stickyMaxSessions,
		ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
	})
	if err != nil {
		return nil, err
	}
	return &Sticky{cache: c}, nil
}

// Lookup returns the pinned model id for sessionID.
func (s *Sticky) Lookup(sessionID string) (string, bool) {
	return s.cache.GetIfPresent(sessionID)
}

// Remember pins sessionID to modelID, refreshing the TTL.
func (s *Sticky) Remember(sessionID, modelID string) {
	s.cache.Set(sessionID, modelID)
}

// Forget drops the pin for sessionID. Used when the pinned model unloads.
func (s *Sticky) Forget(sessionID string) {
	s.cache.Invalidate(sessionID)
}
