// Package byok stores caller-provided provider credentials ("bring your own
// key") encrypted at rest and resolves the effective credential for a
// request. Secrets are sealed with AES-256-GCM under a process master key
// and only ever decrypted in memory.
package byok

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/internal/store"
)

// Credential scopes.
const (
	ScopeUser  = "user"
	ScopeGroup = "group"
)

// Credential sources reported by Resolve.
const (
	SourceUser    = "user"
	SourceGroup   = "group"
	SourceDefault = "default"
)

// Record is the persisted shape of one sealed credential in byok.json.
type Record struct {
	Scope           string     `json:"scope"`
	OwnerID         string     `json:"owner_id"`
	Provider        string     `json:"provider"`
	Ciphertext      string     `json:"ciphertext"`
	KeyFingerprint  string     `json:"key_fingerprint"`
	AllowedUsers    []string   `json:"allowed_users,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	Valid           *bool      `json:"valid,omitempty"`
}

// allows reports whether userID may use a group credential. An empty list
// admits the whole group; the group id on the caller's key already implies
// membership.
func (r *Record) allows(userID string) bool {
	if len(r.AllowedUsers) == 0 {
		return true
	}
	for _, u := range r.AllowedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// Credential is a resolved provider key. An empty Key with a nil error means
// the adapter's configured default applies.
type Credential struct {
	Key    string
	Source string
}

// DefaultsFunc reports the process-default credential for a provider. The
// boolean is false when the provider is not configured at all.
type DefaultsFunc func(provider string) (string, bool)

// ParseMasterKey accepts the MASTER_KEY setting as 32 raw bytes, hex, or
// base64. Longer raw values are folded through SHA-256; shorter ones are
// rejected. Empty input returns nil, which disables sealed writes.
func ParseMasterKey(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	if len(s) == 32 {
		return []byte(s), nil
	}
	if len(s) > 32 {
		sum := sha256.Sum256([]byte(s))
		return sum[:], nil
	}
	return nil, fmt.Errorf("byok: master key must be at least 32 bytes (raw, hex, or base64)")
}

// Vault seals, stores, and resolves caller credentials.
type Vault struct {
	records  *store.Map
	master   []byte
	defaults DefaultsFunc
	log      *slog.Logger
	now      func() time.Time

	writeMu sync.Mutex
}

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the vault logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(v *Vault) {
		if log != nil {
			v.log = log
		}
	}
}

// WithDefaults wires the process-default credential lookup.
func WithDefaults(fn DefaultsFunc) Option {
	return func(v *Vault) {
		if fn != nil {
			v.defaults = fn
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVault returns a Vault over the byok store. A nil master key disables
// sealed writes; resolution then falls through to process defaults.
func NewVault(records *store.Map, master []byte, opts ...Option) *Vault {
	v := &Vault{
		records:  records,
		master:   master,
		defaults: func(string) (string, bool) { return "", false },
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Enabled reports whether sealed writes are possible.
func (v *Vault) Enabled() bool { return len(v.master) > 0 }

func recordKey(scope, ownerID, provider string) string {
	return scope + "/" + ownerID + "/" + strings.ToLower(provider)
}

// Resolve returns the credential a request must use for provider, most
// specific first: the user's own key, then a group key the user is allowed
// on, then the process default. Nothing available is a permission error.
func (v *Vault) Resolve(userID, groupID, provider string) (Credential, error) {
	provider = strings.ToLower(provider)

	if v.Enabled() {
		if userID != "" {
			if key, ok := v.unseal(ScopeUser, userID, provider); ok {
				return Credential{Key: key, Source: SourceUser}, nil
			}
		}
		if groupID != "" {
			if rec, ok := v.get(ScopeGroup, groupID, provider); ok && rec.allows(userID) {
				if key, err := v.open(rec.Ciphertext); err == nil {
					return Credential{Key: key, Source: SourceGroup}, nil
				} else {
					v.log.Warn("byok_unseal_failed",
						slog.String("record", recordKey(ScopeGroup, groupID, provider)),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}

	if key, ok := v.defaults(provider); ok {
		return Credential{Key: key, Source: SourceDefault}, nil
	}
	return Credential{}, llm.Errorf(llm.KindPermission, "no credential available for provider %q", provider)
}

func (v *Vault) get(scope, ownerID, provider string) (*Record, bool) {
	var rec Record
	found, err := v.records.GetJSON(recordKey(scope, ownerID, provider), &rec)
	if err != nil || !found {
		return nil, false
	}
	return &rec, true
}

func (v *Vault) unseal(scope, ownerID, provider string) (string, bool) {
	rec, ok := v.get(scope, ownerID, provider)
	if !ok {
		return "", false
	}
	key, err := v.open(rec.Ciphertext)
	if err != nil {
		v.log.Warn("byok_unseal_failed",
			slog.String("record", recordKey(scope, ownerID, provider)),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	return key, true
}

// Set seals and upserts a credential. Updates keep the original creation
// time and drop any previous validation result.
func (v *Vault) Set(scope, ownerID, provider, plaintext string, allowedUsers []string) (*Record, error) {
	if !v.Enabled() {
		return nil, llm.Errorf(llm.KindPermission, "byok is disabled: no master key configured")
	}
	if scope != ScopeUser && scope != ScopeGroup {
		return nil, llm.Errorf(llm.KindValidation, "scope must be %q or %q", ScopeUser, ScopeGroup)
	}
	if ownerID == "" || provider == "" || plaintext == "" {
		return nil, llm.Errorf(llm.KindValidation, "owner, provider, and key are required")
	}

	sealed, err := v.seal(plaintext)
	if err != nil {
		return nil, llm.Wrap(llm.KindInternal, err, "seal credential")
	}
	sum := sha256.Sum256([]byte(plaintext))

	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	now := v.now()
	rec := Record{
		Scope:          scope,
		OwnerID:        ownerID,
		Provider:       strings.ToLower(provider),
		Ciphertext:     sealed,
		KeyFingerprint: hex.EncodeToString(sum[:])[:12],
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if scope == ScopeGroup {
		rec.AllowedUsers = allowedUsers
	}
	if prev, ok := v.get(scope, ownerID, provider); ok {
		rec.CreatedAt = prev.CreatedAt
	}
	if err := v.records.Set(recordKey(scope, ownerID, provider), &rec); err != nil {
		return nil, llm.Wrap(llm.KindInternal, err, "persist credential")
	}
	v.log.Info("byok_key_set",
		slog.String("record", recordKey(scope, ownerID, provider)),
		slog.String("fingerprint", rec.KeyFingerprint),
	)
	return scrub(&rec), nil
}

// Delete removes a credential. Allowed even without a master key so stale
// records can be cleaned up.
func (v *Vault) Delete(scope, ownerID, provider string) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	if !v.records.Delete(recordKey(scope, ownerID, provider)) {
		return llm.Errorf(llm.KindNotFound, "no credential stored for %s", recordKey(scope, ownerID, provider))
	}
	v.log.Info("byok_key_deleted", slog.String("record", recordKey(scope, ownerID, provider)))
	return nil
}

// List returns the sealed records owned by scope/ownerID with ciphertext
// stripped; plaintext is never listed.
func (v *Vault) List(scope, ownerID string) []*Record {
	prefix := scope + "/" + ownerID + "/"
	var out []*Record
	for _, k := range v.records.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		var rec Record
		if found, err := v.records.GetJSON(k, &rec); err == nil && found {
			out = append(out, scrub(&rec))
		}
	}
	return out
}

// ProbeFunc checks a decrypted credential against its provider.
type ProbeFunc func(ctx context.Context, key string) error

// Validate unseals a credential, runs the probe, and records the outcome on
// the stored record.
func (v *Vault) Validate(ctx context.Context, scope, ownerID, provider string, probe ProbeFunc) (bool, error) {
	if !v.Enabled() {
		return false, llm.Errorf(llm.KindPermission, "byok is disabled: no master key configured")
	}
	rec, ok := v.get(scope, ownerID, provider)
	if !ok {
		return false, llm.Errorf(llm.KindNotFound, "no credential stored for %s", recordKey(scope, ownerID, provider))
	}
	key, err := v.open(rec.Ciphertext)
	if err != nil {
		return false, llm.Wrap(llm.KindInternal, err, "unseal credential")
	}

	perr := probe(ctx, key)
	valid := perr == nil

	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	if cur, ok := v.get(scope, ownerID, provider); ok {
		now := v.now()
		cur.LastValidatedAt = &now
		cur.Valid = &valid
		if err := v.records.Set(recordKey(scope, ownerID, provider), cur); err != nil {
			v.log.Warn("byok_validate_write_failed", slog.String("error", err.Error()))
		}
	}
	return valid, perr
}

func scrub(rec *Record) *Record {
	cp := *rec
	cp.Ciphertext = ""
	return &cp
}

// seal encrypts plaintext as base64(nonce || AES-256-GCM ciphertext).
func (v *Vault) seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.master)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) open(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(v.master)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("open sealed credential: %w", err)
	}
	return string(plain), nil
}
