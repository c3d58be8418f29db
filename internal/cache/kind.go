package cache

import (
	"strings"
	"time"
)

// Kind classifies a request by how long its answer stays useful. Factual
// answers age slowly, analytical ones drift with their inputs, and creative
// output is never worth replaying.
type Kind string

const (
	KindFactual    Kind = "factual"
	KindAnalytical Kind = "analytical"
	KindCreative   Kind = "creative"
	KindDefault    Kind = "default"
)

// TTLPolicy assigns a cache lifetime per request kind. A zero duration means
// the kind is never cached.
type TTLPolicy struct {
	Factual    time.Duration
	Analytical time.Duration
	Creative   time.Duration
	Default    time.Duration
}

// DefaultTTLPolicy returns the stock lifetimes: factual 24h, analytical 1h,
// creative never, everything else 30m.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Factual:    24 * time.Hour,
		Analytical: time.Hour,
		Creative:   0,
		Default:    30 * time.Minute,
	}
}

// For returns the lifetime for kind.
func (p TTLPolicy) For(kind Kind) time.Duration {
	switch kind {
	case KindFactual:
		return p.Factual
	case KindAnalytical:
		return p.Analytical
	case KindCreative:
		return p.Creative
	default:
		return p.Default
	}
}

var creativeMarkers = []string{
	"write a story", "write a poem", "write a song", "write lyrics",
	"write fiction", "short story", "poem about", "story about",
	"imagine", "brainstorm", "make up", "invent a", "haiku", "limerick",
	"creative",
}

var analyticalMarkers = []string{
	"analyze", "analyse", "compare", "contrast", "evaluate", "assess",
	"explain why", "explain how", "summarize", "summarise", "critique",
	"pros and cons", "trade-off", "tradeoffs", "implications of",
	"review the following", "break down",
}

var factualPrefixes = []string{
	"what is", "what are", "what was", "what were", "who is", "who was",
	"who are", "when did", "when was", "when is", "where is", "where was",
	"which", "define ", "how many", "how much", "how old", "how far",
	"how tall", "list the", "name the",
}

// ClassifyKind infers the request kind from its prompt text. Creative intent
// wins over analytical, analytical over factual; anything unrecognized is
// the default kind.
func ClassifyKind(prompt string) Kind {
	p := strings.ToLower(strings.TrimSpace(prompt))
	if p == "" {
		return KindDefault
	}
	for _, m := range creativeMarkers {
		if strings.Contains(p, m) {
			return KindCreative
		}
	}
	for _, m := range analyticalMarkers {
		if strings.Contains(p, m) {
			return KindAnalytical
		}
	}
	for _, m := range factualPrefixes {
		if strings.HasPrefix(p, m) {
			return KindFactual
		}
	}
	return KindDefault
}
