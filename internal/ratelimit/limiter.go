// Package ratelimit enforces per-key sliding-window budgets, tier
// concurrency, and provider egress pacing. Windows count requests and
// tokens at minute, hour, and day spans; token costs are estimated at
// admission and reconciled once exact usage is known.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nulpointcorp/llm-router/internal/llm"
)

// Decision labels reported through the observability hook.
const (
	DecisionAdmitted  = "admitted"
	DecisionQueued    = "queued"
	DecisionRejected  = "rejected"
	DecisionQueueFull = "queue_full"
	DecisionQuota     = "quota_exceeded"
)

// limitWindow pairs a window with its reporting name. quota marks the
// day-token budget, which rejects with a quota error instead of a rate one.
type limitWindow struct {
	name   string
	tokens bool
	quota  bool
	win    *window
}

type breach struct {
	name  string
	quota bool
	retry int64 // unix second when the binding window frees a slot
}

// waiter is one parked request in a key's FIFO queue.
type waiter struct {
	est   int64
	sec   int64 // admission second, set by the drain before signalling
	ready chan error
	gone  atomic.Bool
}

type keyState struct {
	limits TierLimits
	sem    *semaphore.Weighted

	mu      sync.Mutex
	windows []*limitWindow
	queue   []*waiter
	timer   *time.Timer
	timerAt time.Time
}

func newKeyState(limits TierLimits) *keyState {
	st := &keyState{limits: limits}
	if limits.MaxConcurrent > 0 {
		st.sem = semaphore.NewWeighted(limits.MaxConcurrent)
	}
	add := func(name string, limit, span int64, tokens, quota bool) {
		if limit > 0 {
			st.windows = append(st.windows, &limitWindow{name: name, tokens: tokens, quota: quota, win: newWindow(limit, span)})
		}
	}
	add("requests per minute", limits.RequestsPerMinute, spanMinute, false, false)
	add("requests per hour", limits.RequestsPerHour, spanHour, false, false)
	add("requests per day", limits.RequestsPerDay, spanDay, false, false)
	add("tokens per minute", limits.TokensPerMinute, spanMinute, true, false)
	add("tokens per hour", limits.TokensPerHour, spanHour, true, false)
	add("tokens per day", limits.TokensPerDay, spanDay, true, true)
	return st
}

func (st *keyState) advance(nowSec int64) {
	for _, lw := range st.windows {
		lw.win.advance(nowSec)
	}
}

// check reports the binding breach for a request costing est tokens, or nil
// when every window admits. Quota breaches win over rate ones; among rate
// breaches the binding window is the last to free a slot.
func (st *keyState) check(nowSec, est int64) *breach {
	var br *breach
	for _, lw := range st.windows {
		n := int64(1)
		if lw.tokens {
			n = est
		}
		if !lw.win.wouldExceed(n) {
			continue
		}
		free := lw.win.freeSec(nowSec, n)
		if lw.quota {
			return &breach{name: lw.name, quota: true, retry: free}
		}
		if br == nil || free > br.retry {
			br = &breach{name: lw.name, retry: free}
		}
	}
	return br
}

func (st *keyState) record(nowSec, est int64) {
	for _, lw := range st.windows {
		n := int64(1)
		if lw.tokens {
			n = est
		}
		lw.win.add(nowSec, n)
	}
}

func (st *keyState) unrecord(sec, est int64) {
	for _, lw := range st.windows {
		n := int64(-1)
		if lw.tokens {
			n = -est
		}
		lw.win.addAt(sec, n)
	}
}

// Limiter admits requests against per-key sliding windows and tier
// concurrency. Safe for concurrent use.
type Limiter struct {
	tiers      map[llm.Tier]TierLimits
	log        *slog.Logger
	onDecision func(result string)

	now   func() time.Time
	after func(d time.Duration, fn func()) *time.Timer

	mu   sync.Mutex
	keys map[string]*keyState
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTiers replaces the built-in tier table.
func WithTiers(tiers map[llm.Tier]TierLimits) Option {
	return func(l *Limiter) {
		if tiers != nil {
			l.tiers = tiers
		}
	}
}

// WithLogger sets the limiter logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// WithDecisionHook registers a callback invoked with the outcome of every
// admission attempt.
func WithDecisionHook(fn func(result string)) Option {
	return func(l *Limiter) { l.onDecision = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a Limiter over the default tier table.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		tiers: DefaultTiers(),
		log:   slog.Default(),
		now:   time.Now,
		after: time.AfterFunc,
		keys:  make(map[string]*keyState),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) decision(result string) {
	if l.onDecision != nil {
		l.onDecision(result)
	}
}

// state returns the per-key state, rebuilding it (and losing window history)
// only when the key's effective limits changed.
func (l *Limiter) state(keyID string, limits TierLimits) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.keys[keyID]
	if !ok || st.limits != limits {
		st = newKeyState(limits)
		l.keys[keyID] = st
	}
	return st
}

// Admission is one admitted request. Release must be called on every path;
// Reconcile trues up the token estimate once exact usage is known.
type Admission struct {
	lim *Limiter
	st  *keyState
	sec int64
	est int64

	releaseOnce   sync.Once
	reconcileOnce sync.Once
}

// Reconcile replaces the admission-time token estimate with actual usage.
// Undershoot is returned to the window; overshoot consumes future capacity
// and never rejects the already-admitted request.
func (a *Admission) Reconcile(actualTokens int64) {
	if a == nil {
		return
	}
	a.reconcileOnce.Do(func() {
		delta := actualTokens - a.est
		if delta == 0 {
			return
		}
		nowSec := a.lim.now().Unix()
		a.st.mu.Lock()
		defer a.st.mu.Unlock()
		for _, lw := range a.st.windows {
			if !lw.tokens {
				continue
			}
			lw.win.advance(nowSec)
			lw.win.addAt(a.sec, delta)
		}
	})
}

// Release frees the concurrency slot. Idempotent.
func (a *Admission) Release() {
	if a == nil {
		return
	}
	a.releaseOnce.Do(func() {
		if a.st.sem != nil {
			a.st.sem.Release(1)
		}
	})
}

// Admit checks every window for keyID at its tier and takes a concurrency
// slot. Tiers that queue on limit park the caller in the key's FIFO queue
// until a window slot frees or ctx is done; other tiers reject immediately
// with the binding window's retry hint. estTokens is the projected token
// cost (prompt estimate plus the output cap).
func (l *Limiter) Admit(ctx context.Context, keyID string, tier llm.Tier, estTokens int64) (*Admission, error) {
	return l.AdmitLimits(ctx, keyID, l.tiers[tier], estTokens)
}

// AdmitLimits admits against an explicit limit set, for keys whose records
// carry per-key quota overrides on top of the tier defaults.
func (l *Limiter) AdmitLimits(ctx context.Context, keyID string, limits TierLimits, estTokens int64) (*Admission, error) {
	st := l.state(keyID, limits)
	nowT := l.now()
	nowSec := nowT.Unix()
	admitSec := nowSec

	st.mu.Lock()
	st.advance(nowSec)
	if br := st.check(nowSec, estTokens); br != nil {
		retryAfter := time.Unix(br.retry, 0).Sub(nowT)
		if br.quota {
			st.mu.Unlock()
			l.decision(DecisionQuota)
			err := llm.Errorf(llm.KindQuotaExceeded, "%s budget exhausted", br.name)
			err.RetryAfter = retryAfter
			return nil, err
		}
		if !st.limits.QueueOnLimit {
			st.mu.Unlock()
			l.decision(DecisionRejected)
			err := llm.Errorf(llm.KindRateLimit, "%s limit exceeded", br.name)
			err.RetryAfter = retryAfter
			return nil, err
		}
		if len(st.queue) >= st.limits.QueueCap {
			st.mu.Unlock()
			l.decision(DecisionQueueFull)
			err := llm.Errorf(llm.KindRateLimit, "rate limit queue full (%d waiting)", st.limits.QueueCap)
			err.RetryAfter = retryAfter
			return nil, err
		}
		w := &waiter{est: estTokens, ready: make(chan error, 1)}
		st.queue = append(st.queue, w)
		depth := len(st.queue)
		l.scheduleDrainLocked(st, time.Unix(br.retry, 0))
		st.mu.Unlock()

		l.decision(DecisionQueued)
		l.log.Debug("ratelimit_queued", "key", keyID, "window", br.name, "queue_depth", depth)

		select {
		case err := <-w.ready:
			if err != nil {
				return nil, err
			}
			admitSec = w.sec
		case <-ctx.Done():
			w.gone.Store(true)
			// The drain may have admitted this waiter in the same instant;
			// return the slot it recorded.
			select {
			case err := <-w.ready:
				if err == nil {
					st.mu.Lock()
					st.advance(l.now().Unix())
					st.unrecord(w.sec, estTokens)
					st.mu.Unlock()
				}
			default:
			}
			return nil, llm.Wrap(llm.KindCancelled, ctx.Err(), "cancelled while queued for rate limit")
		}
	} else {
		st.record(nowSec, estTokens)
		st.mu.Unlock()
	}

	if st.sem != nil {
		if err := st.sem.Acquire(ctx, 1); err != nil {
			st.mu.Lock()
			st.advance(l.now().Unix())
			st.unrecord(admitSec, estTokens)
			st.mu.Unlock()
			return nil, llm.Wrap(llm.KindCancelled, err, "cancelled while waiting for a concurrency slot")
		}
	}

	l.decision(DecisionAdmitted)
	return &Admission{lim: l, st: st, sec: admitSec, est: estTokens}, nil
}

// Limits returns the configured limit set for tier. Callers that overlay
// per-key quotas start from this and pass the result to AdmitLimits.
func (l *Limiter) Limits(tier llm.Tier) TierLimits {
	return l.tiers[tier]
}

// QueueDepth reports how many requests are parked for keyID.
func (l *Limiter) QueueDepth(keyID string) int {
	l.mu.Lock()
	st, ok := l.keys[keyID]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.queue)
}

// scheduleDrainLocked arms the key's drain timer for at, keeping an earlier
// pending drain if one exists. Caller holds st.mu.
func (l *Limiter) scheduleDrainLocked(st *keyState, at time.Time) {
	if st.timer != nil && !st.timerAt.After(at) {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	d := at.Sub(l.now())
	if d < 0 {
		d = 0
	}
	st.timerAt = at
	st.timer = l.after(d, func() { l.drain(st) })
}

// drain admits parked waiters in FIFO order. Only the head may admit; the
// loop stops at the first waiter the windows still reject and re-arms the
// timer for that waiter's retry instant.
func (l *Limiter) drain(st *keyState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.timer = nil
	st.timerAt = time.Time{}

	nowT := l.now()
	nowSec := nowT.Unix()
	st.advance(nowSec)

	for len(st.queue) > 0 {
		w := st.queue[0]
		if w.gone.Load() {
			st.queue = st.queue[1:]
			continue
		}
		br := st.check(nowSec, w.est)
		if br == nil {
			st.record(nowSec, w.est)
			w.sec = nowSec
			st.queue = st.queue[1:]
			w.ready <- nil
			continue
		}
		if br.quota {
			st.queue = st.queue[1:]
			err := llm.Errorf(llm.KindQuotaExceeded, "%s budget exhausted", br.name)
			err.RetryAfter = time.Unix(br.retry, 0).Sub(nowT)
			w.ready <- err
			continue
		}
		l.scheduleDrainLocked(st, time.Unix(br.retry, 0))
		return
	}
}
