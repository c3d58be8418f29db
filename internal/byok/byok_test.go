package byok

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testMasterKey(t *testing.T) []byte {
	t.Helper()
	key, err := ParseMasterKey(strings.Repeat("k", 32))
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	return key
}

func newTestVault(t *testing.T, master []byte, opts ...Option) (*Vault, *testClock) {
	t.Helper()
	records, err := store.Open(filepath.Join(t.TempDir(), "byok.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { records.Close() })
	clk := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(clk.Now))
	return NewVault(records, master, opts...), clk
}

func TestParseMasterKey(t *testing.T) {
	raw32 := strings.Repeat("a", 32)
	hexKey := hex.EncodeToString([]byte(raw32))
	b64Key := base64.StdEncoding.EncodeToString([]byte(raw32))
	longRaw := strings.Repeat("b", 48)
	longSum := sha256.Sum256([]byte(longRaw))

	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr bool
	}{
		{name: "empty disables", in: "", want: nil},
		{name: "whitespace only", in: "   ", want: nil},
		{name: "raw 32 bytes", in: raw32, want: []byte(raw32)},
		{name: "hex encoded", in: hexKey, want: []byte(raw32)},
		{name: "base64 encoded", in: b64Key, want: []byte(raw32)},
		{name: "long raw folds", in: longRaw, want: longSum[:]},
		{name: "too short", in: "shortkey", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseMasterKey(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMasterKey(%q): %v", tc.in, err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("key = %x, want %x", got, tc.want)
			}
		})
	}
}

func TestSetAndResolveUserKey(t *testing.T) {
	v, _ := newTestVault(t, testMasterKey(t))

	rec, err := v.Set(ScopeUser, "u1", "OpenAI", "sk-user-secret", nil)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if rec.Provider != "openai" {
		t.Fatalf("provider = %q, want lowercased", rec.Provider)
	}
	if rec.Ciphertext != "" {
		t.Fatal("returned record must not carry ciphertext")
	}
	if rec.KeyFingerprint == "" || strings.Contains(rec.KeyFingerprint, "sk-user") {
		t.Fatalf("fingerprint = %q", rec.KeyFingerprint)
	}

	cred, err := v.Resolve("u1", "", "openai")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.Key != "sk-user-secret" || cred.Source != SourceUser {
		t.Fatalf("cred = %+v", cred)
	}
}

func TestResolvePrecedence(t *testing.T) {
	defaults := func(provider string) (string, bool) {
		if provider == "openai" {
			return "sk-platform", true
		}
		return "", false
	}
	v, _ := newTestVault(t, testMasterKey(t), WithDefaults(defaults))

	if _, err := v.Set(ScopeUser, "u1", "openai", "sk-user", nil); err != nil {
		t.Fatalf("set user key: %v", err)
	}
	if _, err := v.Set(ScopeGroup, "g1", "openai", "sk-group", []string{"u1", "u2"}); err != nil {
		t.Fatalf("set group key: %v", err)
	}

	cred, err := v.Resolve("u1", "g1", "openai")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.Source != SourceUser || cred.Key != "sk-user" {
		t.Fatalf("want user key first, got %+v", cred)
	}

	if err := v.Delete(ScopeUser, "u1", "openai"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	cred, err = v.Resolve("u1", "g1", "openai")
	if err != nil {
		t.Fatalf("Resolve after user delete: %v", err)
	}
	if cred.Source != SourceGroup || cred.Key != "sk-group" {
		t.Fatalf("want group key second, got %+v", cred)
	}

	if err := v.Delete(ScopeGroup, "g1", "openai"); err != nil {
		t.Fatalf("Delete group: %v", err)
	}
	cred, err = v.Resolve("u1", "g1", "openai")
	if err != nil {
		t.Fatalf("Resolve after group delete: %v", err)
	}
	if cred.Source != SourceDefault || cred.Key != "sk-platform" {
		t.Fatalf("want platform default last, got %+v", cred)
	}

	_, err = v.Resolve("u1", "g1", "anthropic")
	if !llm.IsKind(err, llm.KindPermission) {
		t.Fatalf("unconfigured provider: err = %v, want permission", err)
	}
}

func TestGroupMembershipEnforced(t *testing.T) {
	defaults := func(string) (string, bool) { return "sk-platform", true }
	v, _ := newTestVault(t, testMasterKey(t), WithDefaults(defaults))

	if _, err := v.Set(ScopeGroup, "g1", "openai", "sk-group", []string{"u1"}); err != nil {
		t.Fatalf("set group key: %v", err)
	}

	cred, err := v.Resolve("u1", "g1", "openai")
	if err != nil || cred.Source != SourceGroup {
		t.Fatalf("member resolve = %+v, %v", cred, err)
	}

	cred, err = v.Resolve("u2", "g1", "openai")
	if err != nil {
		t.Fatalf("non-member resolve: %v", err)
	}
	if cred.Source != SourceDefault {
		t.Fatalf("non-member must skip group key, got %+v", cred)
	}

	// An open allow list admits everyone carrying the group id.
	if _, err := v.Set(ScopeGroup, "g2", "openai", "sk-open-group", nil); err != nil {
		t.Fatalf("set open group key: %v", err)
	}
	cred, err = v.Resolve("u9", "g2", "openai")
	if err != nil || cred.Key != "sk-open-group" {
		t.Fatalf("open group resolve = %+v, %v", cred, err)
	}
}

func TestWritesDisabledWithoutMasterKey(t *testing.T) {
	defaults := func(string) (string, bool) { return "sk-platform", true }
	v, _ := newTestVault(t, nil, WithDefaults(defaults))

	if v.Enabled() {
		t.Fatal("vault must be disabled without a master key")
	}
	_, err := v.Set(ScopeUser, "u1", "openai", "sk-user", nil)
	if !llm.IsKind(err, llm.KindPermission) {
		t.Fatalf("Set without master key: err = %v, want permission", err)
	}

	cred, err := v.Resolve("u1", "", "openai")
	if err != nil || cred.Source != SourceDefault {
		t.Fatalf("resolve must still reach defaults, got %+v, %v", cred, err)
	}
}

func TestListNeverReturnsPlaintext(t *testing.T) {
	v, _ := newTestVault(t, testMasterKey(t))

	if _, err := v.Set(ScopeUser, "u1", "openai", "sk-very-secret", nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := v.Set(ScopeUser, "u1", "mistral", "mk-also-secret", nil); err != nil {
		t.Fatalf("Set: %v", err)
	}

	recs := v.List(ScopeUser, "u1")
	if len(recs) != 2 {
		t.Fatalf("len(List) = %d, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.Ciphertext != "" {
			t.Fatalf("record %s/%s leaks ciphertext", rec.OwnerID, rec.Provider)
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			t.Fatalf("marshal record: %v", err)
		}
		if strings.Contains(string(raw), "secret") {
			t.Fatalf("record leaks plaintext: %s", raw)
		}
	}

	if got := v.List(ScopeUser, "other"); len(got) != 0 {
		t.Fatalf("foreign owner sees %d records", len(got))
	}
}

func TestValidateRecordsOutcome(t *testing.T) {
	v, clk := newTestVault(t, testMasterKey(t))

	if _, err := v.Set(ScopeUser, "u1", "openai", "sk-user", nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clk.Advance(5 * time.Minute)

	var probed string
	ok, err := v.Validate(context.Background(), ScopeUser, "u1", "openai", func(_ context.Context, key string) error {
		probed = key
		return nil
	})
	if err != nil || !ok {
		t.Fatalf("Validate = %v, %v", ok, err)
	}
	if probed != "sk-user" {
		t.Fatalf("probe saw %q", probed)
	}

	recs := v.List(ScopeUser, "u1")
	if len(recs) != 1 || recs[0].Valid == nil || !*recs[0].Valid {
		t.Fatalf("record not marked valid: %+v", recs[0])
	}
	if recs[0].LastValidatedAt == nil || !recs[0].LastValidatedAt.Equal(clk.Now()) {
		t.Fatalf("last_validated_at = %v", recs[0].LastValidatedAt)
	}

	probeErr := errors.New("401 from upstream")
	ok, err = v.Validate(context.Background(), ScopeUser, "u1", "openai", func(context.Context, string) error {
		return probeErr
	})
	if ok || !errors.Is(err, probeErr) {
		t.Fatalf("failed probe = %v, %v", ok, err)
	}
	recs = v.List(ScopeUser, "u1")
	if recs[0].Valid == nil || *recs[0].Valid {
		t.Fatalf("record not marked invalid: %+v", recs[0])
	}
}

func TestUpdateKeepsCreatedAt(t *testing.T) {
	v, clk := newTestVault(t, testMasterKey(t))

	first, err := v.Set(ScopeUser, "u1", "openai", "sk-old", nil)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := v.Validate(context.Background(), ScopeUser, "u1", "openai", func(context.Context, string) error {
		return nil
	}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	clk.Advance(time.Hour)
	second, err := v.Set(ScopeUser, "u1", "openai", "sk-new", nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed on update: %v vs %v", second.CreatedAt, first.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("updated_at not advanced: %v", second.UpdatedAt)
	}
	if second.Valid != nil {
		t.Fatal("update must reset the validation result")
	}

	cred, err := v.Resolve("u1", "", "openai")
	if err != nil || cred.Key != "sk-new" {
		t.Fatalf("resolve after update = %+v, %v", cred, err)
	}
}

func TestDeleteMissing(t *testing.T) {
	v, _ := newTestVault(t, nil)
	err := v.Delete(ScopeUser, "u1", "openai")
	if !llm.IsKind(err, llm.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestSetValidation(t *testing.T) {
	v, _ := newTestVault(t, testMasterKey(t))
	tests := []struct {
		name                 string
		scope, owner, secret string
	}{
		{name: "bad scope", scope: "team", owner: "u1", secret: "sk"},
		{name: "missing owner", scope: ScopeUser, owner: "", secret: "sk"},
		{name: "missing key", scope: ScopeUser, owner: "u1", secret: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Set(tc.scope, tc.owner, "openai", tc.secret, nil)
			if !llm.IsKind(err, llm.KindValidation) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
}

func TestSealRoundTripTamper(t *testing.T) {
	v, _ := newTestVault(t, testMasterKey(t))

	sealed, err := v.seal("payload")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := v.open(sealed)
	if err != nil || got != "payload" {
		t.Fatalf("open = %q, %v", got, err)
	}

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0x01
	if _, err := v.open(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("tampered ciphertext must not open")
	}
}
