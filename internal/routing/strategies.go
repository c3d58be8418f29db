// Package routing selects the model a request is dispatched to: candidate
// list construction, the pluggable pick strategies, sticky sessions, and the
// load balancer that keeps per-model pressure counters honest.
package routing

import (
	"math/rand"

	"github.com/nulpointcorp/llm-router/internal/llm"
)

// Strategy names a selection rule.
type Strategy string

const (
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyLeastLoaded     Strategy = "least-loaded"
	StrategyWeighted        Strategy = "weighted"
	StrategySticky          Strategy = "sticky"
	StrategyCapabilityMatch Strategy = "capability-match"
	StrategyCostPriority    Strategy = "cost-priority"
	StrategySpeedPriority   Strategy = "speed-priority"
	StrategyQualityFirst    Strategy = "quality-first"
	StrategyBalanced        Strategy = "balanced"
	StrategyAdaptive        Strategy = "adaptive"
)

// balancedWeight is the coefficient applied to each normalized term of the
// balanced score.
const balancedWeight = 0.25

// ParseStrategy validates s, defaulting to balanced.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyWeighted, StrategySticky,
		StrategyCapabilityMatch, StrategyCostPriority, StrategySpeedPriority,
		StrategyQualityFirst, StrategyBalanced, StrategyAdaptive:
		return Strategy(s)
	default:
		return StrategyBalanced
	}
}

// PickContext carries the request-scoped inputs a strategy may consult.
// Strategies themselves are pure: all state (round-robin index, sticky pick,
// randomness) is injected here by the router.
type PickContext struct {
	EstInputTokens int
	MaxTokens      int
	Required       llm.CapabilitySet
	Urgency        string
	QualityHigh    bool
	Weights        map[string]float64 // caller weights for weighted, by id

	StickyPick string             // resolved session pick, if any
	RRIndex    uint64             // global monotonic counter value
	RandFloat  func() float64     // weighted sampling source
}

// Pick applies strategy s over cands. Returns nil when cands is empty or the
// strategy filters everything out. Ties break by lexicographic id.
func Pick(s Strategy, cands []*llm.ModelDescriptor, pc PickContext) *llm.ModelDescriptor {
	if len(cands) == 0 {
		return nil
	}
	switch s {
	case StrategyRoundRobin:
		return cands[int(pc.RRIndex%uint64(len(cands)))]
	case StrategyLeastLoaded:
		return pickLeastLoaded(cands)
	case StrategyWeighted:
		return pickWeighted(cands, pc)
	case StrategySticky:
		if pc.StickyPick != "" {
			for _, c := range cands {
				if c.ID == pc.StickyPick {
					return c
				}
			}
		}
		return pickLeastLoaded(cands)
	case StrategyCapabilityMatch:
		matched := cands
		if len(pc.Required) > 0 {
			matched = nil
			for _, c := range cands {
				if c.Capabilities.Covers(pc.Required) {
					matched = append(matched, c)
				}
			}
			if len(matched) == 0 {
				return nil
			}
		}
		return pickLeastLoaded(matched)
	case StrategyCostPriority:
		return argBest(cands, func(a, b *llm.ModelDescriptor) bool {
			return a.EstimatedCost(pc.EstInputTokens, pc.MaxTokens) < b.EstimatedCost(pc.EstInputTokens, pc.MaxTokens)
		})
	case StrategySpeedPriority:
		return argBest(cands, func(a, b *llm.ModelDescriptor) bool {
			return a.RecentLatencyMs < b.RecentLatencyMs
		})
	case StrategyQualityFirst:
		return argBest(cands, func(a, b *llm.ModelDescriptor) bool {
			return a.Quality > b.Quality
		})
	case StrategyBalanced:
		return pickBalanced(cands, pc)
	case StrategyAdaptive:
		switch {
		case pc.Urgency == "high":
			return Pick(StrategySpeedPriority, cands, pc)
		case pc.QualityHigh:
			return Pick(StrategyQualityFirst, cands, pc)
		default:
			return pickBalanced(cands, pc)
		}
	default:
		return pickBalanced(cands, pc)
	}
}

// argBest scans for the candidate that strictly beats all others under
// better, breaking ties by lexicographic id.
func argBest(cands []*llm.ModelDescriptor, better func(a, b *llm.ModelDescriptor) bool) *llm.ModelDescriptor {
	best := cands[0]
	for _, c := range cands[1:] {
		if better(c, best) {
			best = c
		} else if !better(best, c) && c.ID < best.ID {
			best = c
		}
	}
	return best
}

func pickLeastLoaded(cands []*llm.ModelDescriptor) *llm.ModelDescriptor {
	return argBest(cands, func(a, b *llm.ModelDescriptor) bool {
		if a.CurrentLoad != b.CurrentLoad {
			return a.CurrentLoad < b.CurrentLoad
		}
		return a.RecentLatencyMs < b.RecentLatencyMs
	})
}

// pickWeighted samples proportionally to 1/(load+1), or to the caller's
// explicit weights when provided.
func pickWeighted(cands []*llm.ModelDescriptor, pc PickContext) *llm.ModelDescriptor {
	weights := make([]float64, len(cands))
	var total float64
	for i, c := range cands {
		w := 1 / float64(c.CurrentLoad+1)
		if override, ok := pc.Weights[c.ID]; ok && override > 0 {
			w = override
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return pickLeastLoaded(cands)
	}

	randFloat := pc.RandFloat
	if randFloat == nil {
		randFloat = rand.Float64
	}
	target := randFloat() * total
	for i, w := range weights {
		target -= w
		if target < 0 {
			return cands[i]
		}
	}
	return cands[len(cands)-1]
}

// pickBalanced maximizes quality minus normalized cost, latency, and load,
// each term weighted 0.25.
func pickBalanced(cands []*llm.ModelDescriptor, pc PickContext) *llm.ModelDescriptor {
	scores := BalancedScores(cands, pc)
	return argBest(cands, func(a, b *llm.ModelDescriptor) bool {
		return scores[a.ID] > scores[b.ID]
	})
}

// BalancedScores computes the balanced score for every candidate. Each axis
// is min-max normalized across the candidate set, so the score reflects
// relative standing: the most expensive candidate pays the full cost penalty,
// the cheapest pays none, and an axis where all candidates agree contributes
// nothing.
func BalancedScores(cands []*llm.ModelDescriptor, pc PickContext) map[string]float64 {
	quality := axis{}
	cost := axis{}
	latency := axis{}
	load := axis{}
	for i, c := range cands {
		first := i == 0
		quality.observe(c.Quality, first)
		cost.observe(c.EstimatedCost(pc.EstInputTokens, pc.MaxTokens), first)
		latency.observe(c.RecentLatencyMs, first)
		load.observe(float64(c.CurrentLoad), first)
	}

	scores := make(map[string]float64, len(cands))
	for _, c := range cands {
		score := balancedWeight * quality.norm(c.Quality)
		score -= balancedWeight * cost.norm(c.EstimatedCost(pc.EstInputTokens, pc.MaxTokens))
		score -= balancedWeight * latency.norm(c.RecentLatencyMs)
		score -= balancedWeight * load.norm(float64(c.CurrentLoad))
		scores[c.ID] = score
	}
	return scores
}

// axis accumulates the min/max of one scoring dimension.
type axis struct {
	min, max float64
}

func (a *axis) observe(v float64, first bool) {
	if first || v < a.min {
		a.min = v
	}
	if first || v > a.max {
		a.max = v
	}
}

func (a *axis) norm(v float64) float64 {
	if a.max <= a.min {
		return 0
	}
	return (v - a.min) / (a.max - a.min)
}
