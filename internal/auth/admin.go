package auth

import (
	"log/slog"
	"sort"
	"time"

	"github.com/nulpointcorp/llm-router/internal/llm"
)

// CreateParams describes a key to mint.
type CreateParams struct {
	Customer  string
	Tier      llm.Tier
	UserID    string
	GroupID   string
	ExpiresAt *time.Time
	Metadata  map[string]string
	Quotas    Quotas
}

// Create mints a key and persists its record. The full presented form
// ("keyId.secret") is returned exactly once; only the secret's hash is
// stored.
func (s *Service) Create(params CreateParams) (*KeyRecord, string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var keyID string
	for attempt := 0; ; attempt++ {
		id, err := newKeyID()
		if err != nil {
			return nil, "", llm.Wrap(llm.KindInternal, err, "mint key id")
		}
		if _, exists := s.users.Get(id); !exists {
			keyID = id
			break
		}
		if attempt == 4 {
			return nil, "", llm.Errorf(llm.KindInternal, "key id space exhausted")
		}
	}
	secret, err := newSecret()
	if err != nil {
		return nil, "", llm.Wrap(llm.KindInternal, err, "mint key secret")
	}

	rec := &KeyRecord{
		KeyID:        keyID,
		HashedSecret: HashSecret(secret),
		Customer:     params.Customer,
		Tier:         llm.ParseTier(string(params.Tier)),
		UserID:       params.UserID,
		GroupID:      params.GroupID,
		CreatedAt:    s.now(),
		ExpiresAt:    params.ExpiresAt,
		Metadata:     params.Metadata,
		Quotas:       params.Quotas,
	}
	if err := s.users.Set(keyID, rec); err != nil {
		return nil, "", llm.Wrap(llm.KindInternal, err, "persist key record")
	}
	s.log.Info("api_key_created",
		slog.String("key_id", keyID),
		slog.String("tier", string(rec.Tier)),
		slog.String("customer", rec.Customer),
	)
	return rec, FormatKey(keyID, secret), nil
}

// Get returns the record for keyID.
func (s *Service) Get(keyID string) (*KeyRecord, bool) {
	var rec KeyRecord
	found, err := s.users.GetJSON(keyID, &rec)
	if err != nil || !found {
		return nil, false
	}
	return &rec, true
}

// List returns every key record ordered by key id.
func (s *Service) List() []*KeyRecord {
	keys := s.users.Keys()
	out := make([]*KeyRecord, 0, len(keys))
	for _, k := range keys {
		var rec KeyRecord
		if found, err := s.users.GetJSON(k, &rec); err == nil && found {
			out = append(out, &rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}

// Disable blocks a key. Takes effect immediately for new validations.
func (s *Service) Disable(keyID string) error {
	return s.setDisabled(keyID, true)
}

// Enable unblocks a key.
func (s *Service) Enable(keyID string) error {
	return s.setDisabled(keyID, false)
}

func (s *Service) setDisabled(keyID string, disabled bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var rec KeyRecord
	found, err := s.users.GetJSON(keyID, &rec)
	if err != nil {
		return llm.Wrap(llm.KindInternal, err, "read key record")
	}
	if !found {
		return llm.Errorf(llm.KindNotFound, "key %q is not registered", keyID)
	}
	rec.Disabled = disabled
	if err := s.users.Set(keyID, &rec); err != nil {
		return llm.Wrap(llm.KindInternal, err, "persist key record")
	}
	s.cache.Invalidate(keyID)
	s.log.Info("api_key_toggled", slog.String("key_id", keyID), slog.Bool("disabled", disabled))
	return nil
}

// Delete removes a key record entirely.
func (s *Service) Delete(keyID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.users.Delete(keyID) {
		return llm.Errorf(llm.KindNotFound, "key %q is not registered", keyID)
	}
	s.cache.Invalidate(keyID)
	s.log.Info("api_key_deleted", slog.String("key_id", keyID))
	return nil
}

// Seed upserts keys parsed from the API_KEYS setting
// ("keyId.secret[:tier]", comma-separated). Existing records keep their
// state; only missing ids are inserted. Returns how many were added.
func (s *Service) Seed(raw string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	added := 0
	for _, entry := range parseSeed(raw) {
		if _, exists := s.users.Get(entry.keyID); exists {
			continue
		}
		rec := &KeyRecord{
			KeyID:        entry.keyID,
			HashedSecret: HashSecret(entry.secret),
			Customer:     "seeded",
			Tier:         entry.tier,
			CreatedAt:    s.now(),
		}
		if err := s.users.Set(entry.keyID, rec); err != nil {
			return added, llm.Wrap(llm.KindInternal, err, "persist seeded key")
		}
		added++
	}
	if added > 0 {
		s.log.Info("api_keys_seeded", slog.Int("count", added))
	}
	return added, nil
}
