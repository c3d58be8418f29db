package auth

import (
	"context"
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
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	users, err := store.Open(filepath.Join(t.TempDir(), "users.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { users.Close() })

	clk := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc, err := NewService(users, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, clk
}

func TestCreateAndAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)

	rec, full, err := svc.Create(CreateParams{
		Customer: "acme",
		Tier:     llm.TierPro,
		UserID:   "u1",
		GroupID:  "g1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(rec.KeyID, KeyIDPrefix) {
		t.Errorf("key id = %q, want %s prefix", rec.KeyID, KeyIDPrefix)
	}
	if !strings.HasPrefix(full, rec.KeyID+".") {
		t.Errorf("full key %q does not embed key id %q", full, rec.KeyID)
	}
	if rec.HashedSecret == "" || strings.Contains(full, rec.HashedSecret) {
		t.Error("record must store only the secret hash")
	}

	authed, err := svc.Authenticate(context.Background(), full)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.KeyID != rec.KeyID || authed.Tier != llm.TierPro || authed.UserID != "u1" || authed.GroupID != "g1" {
		t.Errorf("auth context = %+v", authed)
	}

	// Second call is served from the cache and must still verify the secret.
	if _, err := svc.Authenticate(context.Background(), full); err != nil {
		t.Fatalf("cached authenticate: %v", err)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	svc, clk := newTestService(t)

	_, full, err := svc.Create(CreateParams{Customer: "acme", Tier: llm.TierBasic})
	if err != nil {
		t.Fatal(err)
	}
	keyID, _, _ := SplitKey(full)

	expiry := clk.Now().Add(-time.Hour)
	_, expFull, err := svc.Create(CreateParams{Customer: "old", ExpiresAt: &expiry})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name      string
		presented string
	}{
		{"malformed", "no-dot-here"},
		{"empty secret", keyID + "."},
		{"unknown id", "lr_ffffffff.deadbeef"},
		{"wrong secret", keyID + ".deadbeefdeadbeefdeadbeefdeadbeef"},
		{"expired", expFull},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Authenticate(context.Background(), tc.presented)
			if !llm.IsKind(err, llm.KindAuth) {
				t.Fatalf("Authenticate(%q) = %v, want auth error", tc.presented, err)
			}
		})
	}
}

func TestDisableInvalidatesCache(t *testing.T) {
	svc, _ := newTestService(t)
	rec, full, err := svc.Create(CreateParams{Customer: "acme"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Authenticate(context.Background(), full); err != nil {
		t.Fatalf("authenticate before disable: %v", err)
	}

	if err := svc.Disable(rec.KeyID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Authenticate(context.Background(), full); !llm.IsKind(err, llm.KindAuth) {
		t.Fatalf("authenticate after disable = %v, want auth error", err)
	}

	if err := svc.Enable(rec.KeyID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Authenticate(context.Background(), full); err != nil {
		t.Fatalf("authenticate after enable: %v", err)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	svc, _ := newTestService(t)
	rec, full, err := svc.Create(CreateParams{})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(rec.KeyID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Authenticate(context.Background(), full); !llm.IsKind(err, llm.KindAuth) {
		t.Fatalf("authenticate after delete = %v, want auth error", err)
	}
	if err := svc.Delete(rec.KeyID); !llm.IsKind(err, llm.KindNotFound) {
		t.Fatalf("second delete = %v, want not_found", err)
	}
}

func TestSeed(t *testing.T) {
	svc, _ := newTestService(t)

	added, err := svc.Seed("lr_aaaa1111.secretone:pro, lr_bbbb2222.secrettwo, malformed")
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	authed, err := svc.Authenticate(context.Background(), "lr_aaaa1111.secretone")
	if err != nil {
		t.Fatalf("authenticate seeded key: %v", err)
	}
	if authed.Tier != llm.TierPro {
		t.Errorf("tier = %s, want pro", authed.Tier)
	}

	// Tier suffix is optional and defaults to basic.
	authed, err = svc.Authenticate(context.Background(), "lr_bbbb2222.secrettwo")
	if err != nil {
		t.Fatal(err)
	}
	if authed.Tier != llm.TierBasic {
		t.Errorf("tier = %s, want basic", authed.Tier)
	}

	// Re-seeding never overwrites existing records.
	if err := svc.Disable("lr_aaaa1111"); err != nil {
		t.Fatal(err)
	}
	added, err = svc.Seed("lr_aaaa1111.secretone:pro")
	if err != nil {
		t.Fatal(err)
	}
	if added != 0 {
		t.Fatalf("re-seed added = %d, want 0", added)
	}
	if rec, ok := svc.Get("lr_aaaa1111"); !ok || !rec.Disabled {
		t.Error("re-seed clobbered the disabled flag")
	}
}

func TestListOrdersByKeyID(t *testing.T) {
	svc, _ := newTestService(t)
	for i := 0; i < 3; i++ {
		if _, _, err := svc.Create(CreateParams{}); err != nil {
			t.Fatal(err)
		}
	}
	recs := svc.List()
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i-1].KeyID >= recs[i].KeyID {
			t.Errorf("records out of order: %s before %s", recs[i-1].KeyID, recs[i].KeyID)
		}
	}
}

func TestTouchUpdatesLastUsed(t *testing.T) {
	svc, clk := newTestService(t)
	rec, _, err := svc.Create(CreateParams{})
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Minute)
	svc.Touch(rec.KeyID)

	got, ok := svc.Get(rec.KeyID)
	if !ok {
		t.Fatal("record gone")
	}
	if !got.LastUsedAt.Equal(clk.Now()) {
		t.Errorf("last used = %v, want %v", got.LastUsedAt, clk.Now())
	}
}

func TestUsageCountersRoll(t *testing.T) {
	var u UsageCounters
	base := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)

	u.Record(base, 100)
	u.Record(base.Add(10*time.Second), 50)
	if u.MinuteWindow.Requests != 2 || u.MinuteWindow.Tokens != 150 {
		t.Fatalf("minute window = %+v", u.MinuteWindow)
	}

	// A minute later the minute window resets; hour and day keep counting.
	u.Record(base.Add(70*time.Second), 25)
	if u.MinuteWindow.Requests != 1 || u.MinuteWindow.Tokens != 25 {
		t.Errorf("rolled minute window = %+v", u.MinuteWindow)
	}
	if u.HourWindow.Requests != 3 || u.HourWindow.Tokens != 175 {
		t.Errorf("hour window = %+v", u.HourWindow)
	}
	if u.DayWindow.Requests != 3 {
		t.Errorf("day window = %+v", u.DayWindow)
	}
}

func TestRecordUsagePersists(t *testing.T) {
	svc, _ := newTestService(t)
	rec, _, err := svc.Create(CreateParams{})
	if err != nil {
		t.Fatal(err)
	}
	svc.RecordUsage(rec.KeyID, 320)
	svc.RecordUsage(rec.KeyID, 80)

	got, ok := svc.Get(rec.KeyID)
	if !ok {
		t.Fatal("record gone")
	}
	if got.UsageCounters.DayWindow.Requests != 2 || got.UsageCounters.DayWindow.Tokens != 400 {
		t.Errorf("day window = %+v", got.UsageCounters.DayWindow)
	}
}
