package ratelimit

import (
	"math"

	"github.com/nulpointcorp/llm-router/internal/llm"
)

// TierLimits bundles the admission budget for one key tier. A zero field
// means that dimension is unlimited.
type TierLimits struct {
	RequestsPerMinute int64
	RequestsPerHour   int64
	RequestsPerDay    int64
	TokensPerMinute   int64
	TokensPerHour     int64
	TokensPerDay      int64
	MaxConcurrent     int64
	QueueOnLimit      bool
	QueueCap          int
}

// DefaultTiers returns the built-in tier table. Admin keys are only bounded
// by concurrency.
func DefaultTiers() map[llm.Tier]TierLimits {
	return map[llm.Tier]TierLimits{
		llm.TierBasic: {
			RequestsPerMinute: 60,
			RequestsPerHour:   1_000,
			RequestsPerDay:    10_000,
			TokensPerMinute:   10_000,
			TokensPerHour:     100_000,
			TokensPerDay:      1_000_000,
			MaxConcurrent:     4,
		},
		llm.TierPro: {
			RequestsPerMinute: 300,
			RequestsPerHour:   5_000,
			RequestsPerDay:    50_000,
			TokensPerMinute:   60_000,
			TokensPerHour:     1_000_000,
			TokensPerDay:      10_000_000,
			MaxConcurrent:     16,
			QueueOnLimit:      true,
			QueueCap:          32,
		},
		llm.TierEnterprise: {
			RequestsPerMinute: 1_200,
			RequestsPerHour:   20_000,
			RequestsPerDay:    200_000,
			TokensPerMinute:   300_000,
			TokensPerHour:     5_000_000,
			TokensPerDay:      50_000_000,
			MaxConcurrent:     64,
			QueueOnLimit:      true,
			QueueCap:          128,
		},
		llm.TierAdmin: {
			MaxConcurrent: 256,
		},
	}
}

// ScaleConcurrency rescales every tier's concurrency so the basic tier gets
// maxConcurrent slots and the others keep their relative headroom. Zero or
// negative leaves the table untouched.
func ScaleConcurrency(tiers map[llm.Tier]TierLimits, maxConcurrent int64) map[llm.Tier]TierLimits {
	if maxConcurrent <= 0 {
		return tiers
	}
	base := tiers[llm.TierBasic].MaxConcurrent
	if base <= 0 {
		base = 1
	}
	factor := float64(maxConcurrent) / float64(base)
	out := make(map[llm.Tier]TierLimits, len(tiers))
	for tier, tl := range tiers {
		if tl.MaxConcurrent > 0 {
			scaled := int64(math.Round(float64(tl.MaxConcurrent) * factor))
			if scaled < 1 {
				scaled = 1
			}
			tl.MaxConcurrent = scaled
		}
		out[tier] = tl
	}
	return out
}
