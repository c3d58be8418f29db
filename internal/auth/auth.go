// Package auth validates caller API keys against the persistent key store
// and serves the admin key surface. Validated records are cached in an otter
// W-TinyLFU cache so the hot path skips the store read; the TTL is short
// enough to pick up revocations promptly.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/internal/store"
)

const (
	cacheTTL    = 30 * time.Second
	cacheMaxLen = 10_000
)

// Service authenticates presented keys and owns every write to users.json.
type Service struct {
	users *store.Map
	log   *slog.Logger
	cache *otter.Cache[string, *KeyRecord]
	now   func() time.Time

	// writeMu serializes read-modify-write cycles on key records.
	writeMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService returns a Service over the users store.
func NewService(users *store.Map, opts ...Option) (*Service, error) {
	cache, err := otter.New(&otter.Options[string, *KeyRecord]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *KeyRecord](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("auth: create key cache: %w", err)
	}
	s := &Service{
		users: users,
		log:   slog.Default(),
		cache: cache,
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Authenticate validates a presented key of the form "keyId.secret" and
// returns the caller's auth context. The stored hash is compared in constant
// time on every call, cached record or not.
func (s *Service) Authenticate(ctx context.Context, presented string) (*llm.AuthContext, error) {
	keyID, secret, ok := SplitKey(presented)
	if !ok {
		return nil, llm.Errorf(llm.KindAuth, "malformed api key")
	}

	if rec, ok := s.cache.GetIfPresent(keyID); ok {
		return s.validate(rec, secret)
	}

	var rec KeyRecord
	found, err := s.users.GetJSON(keyID, &rec)
	if err != nil {
		s.log.Error("auth_store_read_failed", slog.String("key_id", keyID), slog.String("error", err.Error()))
		return nil, llm.Errorf(llm.KindAuth, "invalid api key")
	}
	if !found {
		return nil, llm.Errorf(llm.KindAuth, "unknown api key")
	}

	s.cache.Set(keyID, &rec)

	authed, verr := s.validate(&rec, secret)
	if verr != nil {
		return nil, verr
	}

	// Touch last-used asynchronously so the hot path never blocks on the
	// store write.
	go s.Touch(keyID)

	return authed, nil
}

func (s *Service) validate(rec *KeyRecord, secret string) (*llm.AuthContext, error) {
	sum := HashSecret(secret)
	if subtle.ConstantTimeCompare([]byte(rec.HashedSecret), []byte(sum)) != 1 {
		return nil, llm.Errorf(llm.KindAuth, "invalid api key")
	}
	if rec.Disabled {
		return nil, llm.Errorf(llm.KindAuth, "api key disabled")
	}
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(s.now()) {
		s.cache.Invalidate(rec.KeyID)
		return nil, llm.Errorf(llm.KindAuth, "api key expired")
	}
	return &llm.AuthContext{
		KeyID:   rec.KeyID,
		Tier:    llm.ParseTier(string(rec.Tier)),
		UserID:  rec.UserID,
		GroupID: rec.GroupID,
	}, nil
}

// Touch stamps the key's last-used time. Errors are logged, not surfaced.
func (s *Service) Touch(keyID string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var rec KeyRecord
	found, err := s.users.GetJSON(keyID, &rec)
	if err != nil || !found {
		return
	}
	rec.LastUsedAt = s.now()
	if err := s.users.Set(keyID, &rec); err != nil {
		s.log.Warn("auth_touch_failed", slog.String("key_id", keyID), slog.String("error", err.Error()))
	}
}

// RecordUsage folds one finished request into the key's persisted usage
// counters.
func (s *Service) RecordUsage(keyID string, tokens int64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var rec KeyRecord
	found, err := s.users.GetJSON(keyID, &rec)
	if err != nil || !found {
		return
	}
	rec.UsageCounters.Record(s.now(), tokens)
	if err := s.users.Set(keyID, &rec); err != nil {
		s.log.Warn("auth_usage_write_failed", slog.String("key_id", keyID), slog.String("error", err.Error()))
	}
}
