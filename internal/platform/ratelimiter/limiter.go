package ratelimiter

import (
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Reason string

const (
	ReasonNone        Reason = ""
	ReasonRateLimited Reason = "rate_limited"
	ReasonBlocked     Reason = "blocked"
	ReasonInvalidKey  Reason = "invalid_key"
)

type Config struct {
	Window                time.Duration `yaml:"window"`
	MaxRequests           int           `yaml:"maxRequests"`
	BurstSize             int           `yaml:"burstSize"`
	SlidingWindow         bool          `yaml:"slidingWindow"`
	ViolationsBeforeBlock int           `yaml:"violationsBeforeBlock"`
	BlockDuration         time.Duration `yaml:"blockDuration"`
	PenaltyMultiplier     float64       `yaml:"penaltyMultiplier"`
	MaxPenalty            time.Duration `yaml:"maxPenalty"`
	PerOperation          bool          `yaml:"perOperation"`
	IdleTTL               time.Duration `yaml:"idleTTL"`
}

type Result struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
	Reason     Reason
	UsedBurst  bool
}

func DefaultConfig() Config {
	return Config{
		Window:                time.Minute,
		MaxRequests:           10,
		BurstSize:             5,
		ViolationsBeforeBlock: 3,
		BlockDuration:         5 * time.Minute,
		PenaltyMultiplier:     2,
		MaxPenalty:            time.Hour,
		IdleTTL:               10 * time.Minute,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.BurstSize < 0 {
		cfg.BurstSize = 0
	}
	if cfg.ViolationsBeforeBlock <= 0 {
		cfg.ViolationsBeforeBlock = def.ViolationsBeforeBlock
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	if cfg.PenaltyMultiplier < 1 {
		cfg.PenaltyMultiplier = def.PenaltyMultiplier
	}
	if cfg.MaxPenalty < cfg.BlockDuration {
		cfg.MaxPenalty = cfg.BlockDuration
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.IdleTTL < cfg.Window {
		cfg.IdleTTL = cfg.Window
	}
	return cfg
}

// Limiter tracks a request window, a burst bucket and an escalating penalty
// per key. Entries are created lazily and evicted lazily; there is no
// background sweeper. A nil *Limiter allows everything.
type Limiter struct {
	mu    sync.Mutex
	cfg   Config
	byKey map[string]*entry
	hits  uint64
}

type entry struct {
	windowStart   time.Time
	requests      int
	stamps        []time.Time
	burst         *rate.Limiter
	violations    int
	offenses      int
	blockedUntil  time.Time
	lastViolation time.Time
	lastSeen      time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:   normalizeConfig(cfg),
		byKey: make(map[string]*entry),
	}
}

func (l *Limiter) Config() Config {
	if l == nil {
		return normalizeConfig(Config{})
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Configure applies new limits. Existing windows keep their counts; burst
// buckets pick up the new size on their next window.
func (l *Limiter) Configure(cfg Config) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = normalizeConfig(cfg)
	for _, e := range l.byKey {
		e.burst = nil
	}
}

// Key composes the tracking key. Operation is ignored unless PerOperation is set.
func (l *Limiter) Key(origin, operation string) string {
	origin = strings.TrimSpace(origin)
	if l == nil {
		return origin
	}
	l.mu.Lock()
	perOperation := l.cfg.PerOperation
	l.mu.Unlock()
	operation = strings.TrimSpace(operation)
	if !perOperation || operation == "" {
		return origin
	}
	return origin + "|" + operation
}

// Check consumes one request for the key at now.
func (l *Limiter) Check(origin, operation string, now time.Time) Result {
	if l == nil {
		return Result{Allowed: true}
	}
	key := l.Key(origin, operation)
	if key == "" {
		return Result{Reason: ReasonInvalidKey}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	cfg := l.cfg

	l.hits++
	if l.hits%512 == 0 {
		l.sweepLocked(now)
	}

	e, ok := l.byKey[key]
	if ok && l.idleLocked(e, now) {
		delete(l.byKey, key)
		ok = false
	}
	if !ok {
		e = &entry{windowStart: now}
		l.byKey[key] = e
	}
	e.lastSeen = now

	if !e.blockedUntil.IsZero() {
		if now.Before(e.blockedUntil) {
			wait := e.blockedUntil.Sub(now)
			return Result{Remaining: 0, ResetAfter: wait, RetryAfter: wait, Reason: ReasonBlocked}
		}
		e.blockedUntil = time.Time{}
		e.violations = 0
	}
	if e.offenses > 0 && now.Sub(e.lastViolation) >= cfg.MaxPenalty {
		e.offenses = 0
	}

	l.rollWindowLocked(e, now)
	if e.burst == nil {
		e.burst = newBurstBucket(cfg)
	}

	used := e.requests
	if cfg.SlidingWindow {
		used = len(e.stamps)
	}
	resetAfter := l.resetAfterLocked(e, now)

	if used < cfg.MaxRequests {
		e.requests++
		if cfg.SlidingWindow {
			e.stamps = append(e.stamps, now)
		}
		return Result{Allowed: true, Remaining: cfg.MaxRequests - used - 1, ResetAfter: resetAfter}
	}
	if e.burst != nil && e.burst.AllowN(now, 1) {
		return Result{Allowed: true, Remaining: 0, ResetAfter: resetAfter, UsedBurst: true}
	}

	e.violations++
	e.lastViolation = now
	if e.violations >= cfg.ViolationsBeforeBlock {
		e.offenses++
		e.violations = 0
		penalty := penaltyFor(cfg, e.offenses)
		e.blockedUntil = now.Add(penalty)
		return Result{Remaining: 0, ResetAfter: penalty, RetryAfter: penalty, Reason: ReasonBlocked}
	}
	return Result{Remaining: 0, ResetAfter: resetAfter, RetryAfter: resetAfter, Reason: ReasonRateLimited}
}

// Peek reports what Check would return at now without consuming anything.
func (l *Limiter) Peek(origin, operation string, now time.Time) Result {
	if l == nil {
		return Result{Allowed: true}
	}
	key := l.Key(origin, operation)
	if key == "" {
		return Result{Reason: ReasonInvalidKey}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg := l.cfg

	e, ok := l.byKey[key]
	if !ok || l.idleLocked(e, now) {
		return Result{Allowed: true, Remaining: cfg.MaxRequests, ResetAfter: cfg.Window}
	}
	if now.Before(e.blockedUntil) {
		wait := e.blockedUntil.Sub(now)
		return Result{ResetAfter: wait, RetryAfter: wait, Reason: ReasonBlocked}
	}

	used := e.requests
	resetAfter := e.windowStart.Add(cfg.Window).Sub(now)
	if cfg.SlidingWindow {
		used = 0
		cutoff := now.Add(-cfg.Window)
		for _, ts := range e.stamps {
			if ts.After(cutoff) {
				if used == 0 {
					resetAfter = ts.Add(cfg.Window).Sub(now)
				}
				used++
			}
		}
		if used == 0 {
			resetAfter = cfg.Window
		}
	} else if now.Sub(e.windowStart) >= cfg.Window {
		used = 0
		resetAfter = cfg.Window
	}

	if used < cfg.MaxRequests {
		return Result{Allowed: true, Remaining: cfg.MaxRequests - used, ResetAfter: resetAfter}
	}
	if e.burst != nil && e.burst.TokensAt(now) >= 1 {
		return Result{Allowed: true, ResetAfter: resetAfter, UsedBurst: true}
	}
	return Result{ResetAfter: resetAfter, RetryAfter: resetAfter, Reason: ReasonRateLimited}
}

func (l *Limiter) Reset(origin, operation string) {
	if l == nil {
		return
	}
	key := l.Key(origin, operation)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byKey, key)
}

func (l *Limiter) ResetAll() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byKey = make(map[string]*entry)
}

func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

// Blocked reports whether the key is serving a penalty at now.
func (l *Limiter) Blocked(origin, operation string, now time.Time) bool {
	if l == nil {
		return false
	}
	key := l.Key(origin, operation)
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byKey[key]
	return ok && now.Before(e.blockedUntil)
}

func (l *Limiter) rollWindowLocked(e *entry, now time.Time) {
	window := l.cfg.Window
	if l.cfg.SlidingWindow {
		cutoff := now.Add(-window)
		kept := e.stamps[:0]
		for _, ts := range e.stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		e.stamps = kept
		return
	}
	if now.Sub(e.windowStart) >= window {
		e.windowStart = now
		e.requests = 0
	}
}

func (l *Limiter) resetAfterLocked(e *entry, now time.Time) time.Duration {
	if l.cfg.SlidingWindow {
		if len(e.stamps) == 0 {
			return l.cfg.Window
		}
		return e.stamps[0].Add(l.cfg.Window).Sub(now)
	}
	return e.windowStart.Add(l.cfg.Window).Sub(now)
}

func (l *Limiter) idleLocked(e *entry, now time.Time) bool {
	if now.Before(e.blockedUntil) {
		return false
	}
	return now.Sub(e.lastSeen) >= l.cfg.IdleTTL && now.Sub(e.lastViolation) >= l.cfg.MaxPenalty
}

func (l *Limiter) sweepLocked(now time.Time) {
	for k, e := range l.byKey {
		if l.idleLocked(e, now) {
			delete(l.byKey, k)
		}
	}
}

// newBurstBucket refills BurstSize tokens over one window.
func newBurstBucket(cfg Config) *rate.Limiter {
	if cfg.BurstSize <= 0 {
		return nil
	}
	every := cfg.Window / time.Duration(cfg.BurstSize)
	if every <= 0 {
		every = time.Nanosecond
	}
	return rate.NewLimiter(rate.Every(every), cfg.BurstSize)
}

func penaltyFor(cfg Config, offenses int) time.Duration {
	if offenses < 1 {
		offenses = 1
	}
	scaled := float64(cfg.BlockDuration) * math.Pow(cfg.PenaltyMultiplier, float64(offenses-1))
	if scaled > float64(cfg.MaxPenalty) || math.IsInf(scaled, 0) {
		return cfg.MaxPenalty
	}
	return time.Duration(scaled)
}
