package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-router/internal/llm"
)

// KeyIDPrefix marks router-issued key ids.
const KeyIDPrefix = "lr_"

// WindowCount is one persisted usage window.
type WindowCount struct {
	Start    time.Time `json:"start"`
	Requests int64     `json:"requests"`
	Tokens   int64     `json:"tokens"`
}

// UsageCounters aggregates per-key usage at minute, hour, and day
// granularity. Windows reset when their span elapses.
type UsageCounters struct {
	MinuteWindow WindowCount `json:"minute_window"`
	HourWindow   WindowCount `json:"hour_window"`
	DayWindow    WindowCount `json:"day_window"`
}

// Record rolls expired windows forward and adds one request with its token
// usage.
func (u *UsageCounters) Record(now time.Time, tokens int64) {
	roll := func(w *WindowCount, span time.Duration) {
		if now.Sub(w.Start) >= span {
			w.Start = now.Truncate(span)
			w.Requests = 0
			w.Tokens = 0
		}
		w.Requests++
		w.Tokens += tokens
	}
	roll(&u.MinuteWindow, time.Minute)
	roll(&u.HourWindow, time.Hour)
	roll(&u.DayWindow, 24*time.Hour)
}

// Quotas are per-key limit overrides layered on top of the tier defaults by
// the pipeline. Zero fields inherit the tier figure.
type Quotas struct {
	RequestsPerMinute int64 `json:"requests_per_minute,omitempty"`
	RequestsPerHour   int64 `json:"requests_per_hour,omitempty"`
	RequestsPerDay    int64 `json:"requests_per_day,omitempty"`
	TokensPerMinute   int64 `json:"tokens_per_minute,omitempty"`
	TokensPerHour     int64 `json:"tokens_per_hour,omitempty"`
	TokensPerDay      int64 `json:"tokens_per_day,omitempty"`
	MaxConcurrent     int64 `json:"max_concurrent,omitempty"`
}

// KeyRecord is the persisted shape of one API key in users.json. The secret
// itself is never stored, only its SHA-256.
type KeyRecord struct {
	KeyID         string            `json:"key_id"`
	HashedSecret  string            `json:"hashed_secret"`
	Customer      string            `json:"customer,omitempty"`
	Tier          llm.Tier          `json:"tier"`
	UserID        string            `json:"user_id,omitempty"`
	GroupID       string            `json:"group_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastUsedAt    time.Time         `json:"last_used_at"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	Disabled      bool              `json:"disabled"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	UsageCounters UsageCounters     `json:"usage_counters"`
	Quotas        Quotas            `json:"quotas"`
}

// HashSecret returns the hex SHA-256 of a key secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SplitKey splits a presented key into its id and secret halves.
func SplitKey(presented string) (keyID, secret string, ok bool) {
	keyID, secret, ok = strings.Cut(presented, ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

// FormatKey joins a key id and secret into the presented form.
func FormatKey(keyID, secret string) string {
	return keyID + "." + secret
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// newKeyID mints a fresh public key id.
func newKeyID() (string, error) {
	s, err := randomHex(4)
	if err != nil {
		return "", err
	}
	return KeyIDPrefix + s, nil
}

// newSecret mints a fresh key secret.
func newSecret() (string, error) {
	return randomHex(16)
}

// seedEntry is one parsed API_KEYS element: keyId.secret with an optional
// :tier suffix.
type seedEntry struct {
	keyID  string
	secret string
	tier   llm.Tier
}

func parseSeed(raw string) []seedEntry {
	var out []seedEntry
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key := part
		tier := llm.TierBasic
		if at := strings.LastIndex(part, ":"); at >= 0 {
			key = part[:at]
			tier = llm.ParseTier(part[at+1:])
		}
		keyID, secret, ok := SplitKey(key)
		if !ok {
			continue
		}
		out = append(out, seedEntry{keyID: keyID, secret: secret, tier: tier})
	}
	return out
}
