package routing

import (
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/internal/registry"
)

// DefaultMaxFallbackDepth bounds how many candidates beyond the primary the
// dispatch loop may advance to.
const DefaultMaxFallbackDepth = 3

// Plan is an ordered dispatch chain: the strategy pick first, fallbacks after.
type Plan struct {
	Candidates []*llm.ModelDescriptor
	Strategy   Strategy
	Sticky     bool // primary came from the session table
}

// Primary returns the first candidate.
func (p *Plan) Primary() *llm.ModelDescriptor {
	if len(p.Candidates) == 0 {
		return nil
	}
	return p.Candidates[0]
}

// Router builds dispatch plans from the registry.
type Router struct {
	reg      *registry.Registry
	strategy Strategy
	override Strategy
	maxDepth int
	sticky   *Sticky
	log      *slog.Logger

	rr atomic.Uint64
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithDefaultStrategy sets the strategy used when no override applies.
func WithDefaultStrategy(s Strategy) RouterOption {
	return func(r *Router) { r.strategy = s }
}

// WithStrategyOverride pins every request to s, ignoring the default.
func WithStrategyOverride(s Strategy) RouterOption {
	return func(r *Router) { r.override = s }
}

// WithMaxFallbackDepth bounds the fallback chain length.
func WithMaxFallbackDepth(n int) RouterOption {
	return func(r *Router) {
		if n >= 0 {
			r.maxDepth = n
		}
	}
}

// WithSticky attaches the session table consulted by the sticky strategy.
func WithSticky(s *Sticky) RouterOption {
	return func(r *Router) { r.sticky = s }
}

// WithRouterLogger sets the router logger. Defaults to slog.Default().
func WithRouterLogger(log *slog.Logger) RouterOption {
	return func(r *Router) { r.log = log }
}

// NewRouter returns a Router over reg.
func NewRouter(reg *registry.Registry, opts ...RouterOption) *Router {
	r := &Router{
		reg:      reg,
		strategy: StrategyBalanced,
		maxDepth: DefaultMaxFallbackDepth,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// EffectiveStrategy resolves the strategy for one request.
func (r *Router) EffectiveStrategy() Strategy {
	if r.override != "" {
		return r.override
	}
	return r.strategy
}

// Plan builds the candidate chain for req. estInputTokens is the prompt
// token estimate used for cost scoring.
func (r *Router) Plan(req *llm.Request, estInputTokens int) (*Plan, error) {
	strategy := r.EffectiveStrategy()
	pc := r.pickContext(req, estInputTokens)

	if req.ModelHint != "" {
		return r.planFromHint(req, strategy, pc)
	}

	cands := r.reg.GetAvailable(registry.Filter{
		Capabilities: req.Requirements.Capabilities,
		MaxCost:      req.Requirements.MaxCostPerMTok,
		MinContext:   req.Requirements.MinContext,
	})
	if len(cands) == 0 {
		return nil, llm.Errorf(llm.KindNotFound, "no available model satisfies the request requirements")
	}

	primary := Pick(strategy, cands, pc)
	if primary == nil {
		return nil, llm.Errorf(llm.KindNotFound, "strategy %s matched no candidate", strategy)
	}

	plan := &Plan{
		Candidates: r.chain(primary, cands, pc),
		Strategy:   strategy,
		Sticky:     strategy == StrategySticky && pc.StickyPick == primary.ID,
	}
	r.remember(req, primary)
	return plan, nil
}

// planFromHint resolves the hinted model and ranks capability-compatible
// fallbacks: same provider first, then cross-provider, by quality per cost.
func (r *Router) planFromHint(req *llm.Request, strategy Strategy, pc PickContext) (*Plan, error) {
	hinted, ok := r.resolveHint(req.ModelHint)
	if !ok {
		return nil, llm.Errorf(llm.KindNotFound, "model %q is not registered", req.ModelHint)
	}
	if !hinted.Available() {
		return nil, llm.Errorf(llm.KindNotFound, "model %q is %s", req.ModelHint, hinted.Status)
	}

	required := req.Requirements.Capabilities
	all := r.reg.GetAvailable(registry.Filter{Capabilities: required})

	var sameProvider, crossProvider []*llm.ModelDescriptor
	for _, c := range all {
		if c.ID == hinted.ID {
			continue
		}
		if c.Provider == hinted.Provider {
			sameProvider = append(sameProvider, c)
		} else {
			crossProvider = append(crossProvider, c)
		}
	}
	sortByValue(sameProvider)
	sortByValue(crossProvider)

	candidates := append([]*llm.ModelDescriptor{hinted}, sameProvider...)
	candidates = append(candidates, crossProvider...)

	plan := &Plan{
		Candidates: r.clip(candidates),
		Strategy:   strategy,
	}
	r.remember(req, hinted)
	return plan, nil
}

// resolveHint accepts either a full descriptor id ("provider:model") or a
// bare provider-local model id.
func (r *Router) resolveHint(hint string) (*llm.ModelDescriptor, bool) {
	if d, ok := r.reg.Get(hint); ok {
		return d, true
	}
	if !strings.Contains(hint, ":") {
		for _, d := range r.reg.Snapshot() {
			if d.ModelID == hint {
				return d, true
			}
		}
	}
	return nil, false
}

// chain orders the remaining candidates behind primary by descending
// balanced score and clips to the fallback depth.
func (r *Router) chain(primary *llm.ModelDescriptor, cands []*llm.ModelDescriptor, pc PickContext) []*llm.ModelDescriptor {
	rest := make([]*llm.ModelDescriptor, 0, len(cands)-1)
	for _, c := range cands {
		if c.ID != primary.ID {
			rest = append(rest, c)
		}
	}
	scores := BalancedScores(rest, pc)
	sort.Slice(rest, func(i, j int) bool {
		if scores[rest[i].ID] != scores[rest[j].ID] {
			return scores[rest[i].ID] > scores[rest[j].ID]
		}
		return rest[i].ID < rest[j].ID
	})
	return r.clip(append([]*llm.ModelDescriptor{primary}, rest...))
}

// clip bounds the chain at 1 primary + maxDepth fallbacks.
func (r *Router) clip(chain []*llm.ModelDescriptor) []*llm.ModelDescriptor {
	if max := r.maxDepth + 1; len(chain) > max {
		return chain[:max]
	}
	return chain
}

func (r *Router) pickContext(req *llm.Request, estInputTokens int) PickContext {
	pc := PickContext{
		EstInputTokens: estInputTokens,
		MaxTokens:      int(req.Options.MaxTokens),
		Required:       req.Requirements.Capabilities,
		Urgency:        req.Options.Urgency,
		QualityHigh:    req.Requirements.QualityPriority,
		RRIndex:        r.rr.Add(1) - 1,
	}
	if req.Requirements.SpeedPriority && pc.Urgency == "" {
		pc.Urgency = "high"
	}
	if r.sticky != nil && req.SessionID != "" {
		if id, ok := r.sticky.Lookup(req.SessionID); ok {
			pc.StickyPick = id
		}
	}
	return pc
}

// remember records the session pick for sticky routing.
func (r *Router) remember(req *llm.Request, d *llm.ModelDescriptor) {
	if r.sticky != nil && req.SessionID != "" {
		r.sticky.Remember(req.SessionID, d.ID)
	}
}

// sortByValue orders descriptors by quality per blended price, descending.
// A small epsilon keeps free local models from dividing by zero.
func sortByValue(ds []*llm.ModelDescriptor) {
	const epsilon = 0.01
	value := func(d *llm.ModelDescriptor) float64 {
		return d.Quality / (d.BlendedPricePerMTok() + epsilon)
	}
	sort.Slice(ds, func(i, j int) bool {
		vi, vj := value(ds[i]), value(ds[j])
		if vi != vj {
			return vi > vj
		}
		return ds[i].ID < ds[j].ID
	})
}
