package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nulpointcorp/llm-router/internal/llm"
)

// Egress paces upstream calls per provider so the router stays inside
// provider-side request quotas. A nil Egress admits everything.
type Egress struct {
	rpm map[string]int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewEgress builds per-provider pacers from requests-per-minute figures.
// The "*" entry applies to providers without an explicit figure. Returns
// nil when no figure is configured.
func NewEgress(rpm map[string]int) *Egress {
	if len(rpm) == 0 {
		return nil
	}
	return &Egress{rpm: rpm, limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until the provider's pacer grants a slot. Providers without a
// configured figure pass immediately.
func (e *Egress) Wait(ctx context.Context, provider string) error {
	if e == nil {
		return nil
	}
	lim := e.limiter(provider)
	if lim == nil {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return llm.Wrap(llm.KindCancelled, err, "cancelled while waiting for provider pacing")
	}
	return nil
}

func (e *Egress) limiter(provider string) *rate.Limiter {
	provider = strings.ToLower(provider)
	e.mu.Lock()
	defer e.mu.Unlock()
	if lim, ok := e.limiters[provider]; ok {
		return lim
	}
	rpm, ok := e.rpm[provider]
	if !ok {
		rpm = e.rpm["*"]
	}
	var lim *rate.Limiter
	if rpm > 0 {
		burst := rpm / 60
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	}
	e.limiters[provider] = lim
	return lim
}

// ParseProviderRPM parses the PROVIDER_RPM setting: either a single figure
// applied to every provider or comma-separated provider=rpm pairs.
func ParseProviderRPM(s string) map[string]int {
	out := make(map[string]int)
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n > 0 {
			out["*"] = n
		}
		return out
	}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || n <= 0 {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(kv[0]))] = n
	}
	return out
}
