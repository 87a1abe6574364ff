package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"wallet-discovery/go-backend/internal/domains/discovery/model"
	"wallet-discovery/go-backend/internal/domains/discovery/policy"
	"wallet-discovery/go-backend/internal/eventbus"
	"wallet-discovery/go-backend/internal/platform/ratelimiter"
	"wallet-discovery/go-backend/internal/platform/telemetry"
)

type ResponderState string

const (
	ResponderIdle      ResponderState = "IDLE"
	ResponderListening ResponderState = "LISTENING"
)

// Stage is the step a single inbound request has reached.
type Stage string

const (
	StageValidating Stage = "VALIDATING"
	StageMatching   Stage = "MATCHING"
	StageResponding Stage = "RESPONDING"
)

type DropReason string

const (
	DropMalformed     DropReason = "malformed"
	DropVersion       DropReason = "version_mismatch"
	DropUnexpected    DropReason = "unexpected_event"
	DropOrigin        DropReason = "origin_rejected"
	DropRateLimited   DropReason = "rate_limited"
	DropReplay        DropReason = "replay"
	DropNoMatch       DropReason = "no_match"
	DropStopped       DropReason = "stopped"
	DropPublishFailed DropReason = "publish_failed"
)

const (
	defaultValidationTimeout = 2 * time.Second
	maxTrackedOrigins        = 1024
	otherOriginsKey          = "other"
	discoverOperation        = "discover"
)

var (
	ErrDisposed            = errors.New("discovery component disposed")
	ErrInvalidResponder    = errors.New("invalid responder configuration")
	ErrBusRequired         = errors.New("event bus is required")
	ErrDiscoveryInProgress = errors.New("discovery already in progress")
	ErrResetRequired       = errors.New("discovery finished; call Reset before starting again")
)

type ResponderConfig struct {
	Info              model.ResponderInfo         `yaml:"info"`
	Origin            policy.OriginPolicy         `yaml:"origin"`
	RateLimit         ratelimiter.Config          `yaml:"rateLimit"`
	Sessions          policy.SessionTrackerConfig `yaml:"sessions"`
	ValidationTimeout time.Duration               `yaml:"validationTimeout"`
}

func DefaultResponderConfig() ResponderConfig {
	return ResponderConfig{
		Origin:            policy.DefaultOriginPolicy(),
		RateLimit:         ratelimiter.DefaultConfig(),
		Sessions:          policy.DefaultSessionTrackerConfig(),
		ValidationTimeout: defaultValidationTimeout,
	}
}

type ResponderOptions struct {
	Bus     eventbus.Bus
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// RateLimiter, when set, is shared with other responders and is never
	// reconfigured by this one.
	RateLimiter *ratelimiter.Limiter
	Now         func() time.Time
}

type ResponderStats struct {
	State            ResponderState
	ResponderID      string
	ActiveSessions   int
	UsedSessions     uint64
	Received         uint64
	Responded        uint64
	Dropped          map[DropReason]uint64
	RequestsByOrigin map[string]uint64
	RateLimitKeys    int
}

// Responder answers discovery requests on behalf of one wallet. Requests that
// fail any check are dropped silently; the initiator only ever sees answers.
type Responder struct {
	mu      sync.Mutex
	bus     eventbus.Bus
	log     componentLogger
	metrics *telemetry.Metrics
	now     func() time.Time

	info              model.ResponderInfo
	sessionsCfg       policy.SessionTrackerConfig
	validationTimeout time.Duration
	origins           *policy.OriginValidator
	limiter           *ratelimiter.Limiter
	sharedLimiter     bool
	sessions          *policy.SessionTracker

	state     ResponderState
	disposed  bool
	sub       *eventbus.Subscription
	runCtx    context.Context
	runCancel context.CancelFunc
	inflight  sync.WaitGroup

	received  uint64
	responded uint64
	dropped   map[DropReason]uint64
	byOrigin  map[string]uint64
}

type responderSnapshot struct {
	ctx               context.Context
	info              model.ResponderInfo
	validationTimeout time.Duration
	origins           *policy.OriginValidator
	limiter           *ratelimiter.Limiter
	sessions          *policy.SessionTracker
}

func NewResponder(cfg ResponderConfig, opts ResponderOptions) (*Responder, error) {
	if opts.Bus == nil {
		return nil, ErrBusRequired
	}
	info, err := prepareResponderInfo(cfg.Info)
	if err != nil {
		return nil, err
	}
	origins, err := policy.NewOriginValidator(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponder, err)
	}
	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = ratelimiter.New(cfg.RateLimit)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Responder{
		bus:               opts.Bus,
		log:               newComponentLogger(opts.Logger, responderComponentName),
		metrics:           opts.Metrics,
		now:               now,
		info:              info,
		sessionsCfg:       cfg.Sessions,
		validationTimeout: normalizeTimeout(cfg.ValidationTimeout, defaultValidationTimeout),
		origins:           origins,
		limiter:           limiter,
		sharedLimiter:     opts.RateLimiter != nil,
		sessions:          policy.NewSessionTracker(cfg.Sessions),
		state:             ResponderIdle,
		dropped:           make(map[DropReason]uint64),
		byOrigin:          make(map[string]uint64),
	}, nil
}

// StartListening attaches the request handler. Calling it while already
// listening keeps the existing subscription.
func (r *Responder) StartListening() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	if r.state == ResponderListening {
		return nil
	}
	sub, err := r.bus.Subscribe(model.EventRequest, r.handlePayload)
	if err != nil {
		return fmt.Errorf("subscribe to discovery requests: %w", err)
	}
	r.sub = sub
	r.runCtx, r.runCancel = context.WithCancel(context.Background())
	r.state = ResponderListening
	r.log.info("start_listening", r.info.ResponderID, "responder listening", "responder_id", r.info.ResponderID)
	return nil
}

// StopListening detaches the handler, cancels in-flight validations and
// waits for their goroutines to drop their requests.
func (r *Responder) StopListening() {
	r.mu.Lock()
	if r.state != ResponderListening {
		r.mu.Unlock()
		return
	}
	sub := r.sub
	cancel := r.runCancel
	r.sub = nil
	r.runCancel = nil
	r.state = ResponderIdle
	r.mu.Unlock()

	sub.Close()
	cancel()
	r.inflight.Wait()
	r.log.info("stop_listening", r.info.ResponderID, "responder stopped")
}

func (r *Responder) State() ResponderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// UpdateConfig swaps every policy at once. It applies in any state; requests
// already past validation finish with the old configuration.
func (r *Responder) UpdateConfig(cfg ResponderConfig) error {
	info, err := prepareResponderInfo(cfg.Info)
	if err != nil {
		return err
	}
	origins, err := policy.NewOriginValidator(cfg.Origin)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponder, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	r.info = info
	r.origins = origins
	r.validationTimeout = normalizeTimeout(cfg.ValidationTimeout, defaultValidationTimeout)
	if !r.sharedLimiter {
		r.limiter.Configure(cfg.RateLimit)
	}
	if cfg.Sessions != r.sessionsCfg {
		r.sessionsCfg = cfg.Sessions
		r.sessions = policy.NewSessionTracker(cfg.Sessions)
	}
	return nil
}

func (r *Responder) UpdateResponderInfo(info model.ResponderInfo) error {
	info, err := prepareResponderInfo(info)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	r.info = info
	return nil
}

func (r *Responder) ResponderInfo() model.ResponderInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

func (r *Responder) Stats() ResponderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := ResponderStats{
		State:            r.state,
		ResponderID:      r.info.ResponderID,
		ActiveSessions:   r.sessions.ActiveSessions(r.now()),
		UsedSessions:     r.sessions.Total(),
		Received:         r.received,
		Responded:        r.responded,
		Dropped:          make(map[DropReason]uint64, len(r.dropped)),
		RequestsByOrigin: make(map[string]uint64, len(r.byOrigin)),
		RateLimitKeys:    r.limiter.Len(),
	}
	for k, v := range r.dropped {
		stats.Dropped[k] = v
	}
	for k, v := range r.byOrigin {
		stats.RequestsByOrigin[k] = v
	}
	return stats
}

// Dispose stops listening and releases cached state. The responder cannot be
// restarted afterwards.
func (r *Responder) Dispose() {
	r.StopListening()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.disposed = true
	r.sessions.Reset()
	r.origins.Purge()
}

func (r *Responder) handlePayload(payload []byte) {
	r.mu.Lock()
	if r.state != ResponderListening {
		r.mu.Unlock()
		return
	}
	snap := responderSnapshot{
		ctx:               r.runCtx,
		info:              r.info,
		validationTimeout: r.validationTimeout,
		origins:           r.origins,
		limiter:           r.limiter,
		sessions:          r.sessions,
	}
	r.received++
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()

	r.metrics.RequestReceived()
	r.handleRequest(snap, payload)
}

func (r *Responder) handleRequest(snap responderSnapshot, payload []byte) {
	started := r.now()
	responderID := snap.info.ResponderID

	event, err := model.DecodeEvent(payload)
	if err != nil {
		reason := DropMalformed
		if errors.Is(err, model.ErrVersionMismatch) {
			reason = DropVersion
		}
		r.drop(reason, started, "", responderID, StageValidating, "error", err.Error())
		return
	}
	req, ok := event.(*model.RequestEvent)
	if !ok {
		r.drop(DropUnexpected, started, event.Session(), responderID, StageValidating)
		return
	}
	correlation := correlationID(req.SessionID, responderID)

	vctx, cancel := context.WithTimeout(snap.ctx, snap.validationTimeout)
	decision := snap.origins.Evaluate(vctx, req.Origin)
	cancel()
	if snap.ctx.Err() != nil {
		r.drop(DropStopped, started, req.SessionID, responderID, StageValidating)
		return
	}
	if !decision.Allowed {
		r.drop(DropOrigin, started, req.SessionID, responderID, StageValidating, "origin", req.Origin, "origin_reason", string(decision.Reason))
		return
	}

	now := r.now()
	if res := snap.limiter.Check(decision.Origin, discoverOperation, now); !res.Allowed {
		r.drop(DropRateLimited, started, req.SessionID, responderID, StageValidating, "origin", decision.Origin, "limit_reason", string(res.Reason), "retry_after", res.RetryAfter)
		return
	}
	r.recordOrigin(decision.Origin)
	if !snap.sessions.Observe(req.SessionID, responderID, now) {
		r.drop(DropReplay, started, req.SessionID, responderID, StageValidating)
		return
	}

	result := policy.MatchCapabilities(req.Required, req.Optional, snap.info.Capabilities)
	if !result.CanFulfill {
		r.drop(DropNoMatch, started, req.SessionID, responderID, StageMatching,
			"missing_technologies", result.Missing.Technologies,
			"missing_features", result.Missing.Features,
			"missing_networks", result.Missing.Networks,
		)
		return
	}

	resp := &model.ResponseEvent{
		SessionID:       req.SessionID,
		ResponderID:     responderID,
		Name:            snap.info.Name,
		Icon:            snap.info.Icon,
		RDNS:            snap.info.RDNS,
		Matched:         result.Intersection,
		TransportConfig: snap.info.TransportConfig.Clone(),
		Networks:        append([]string(nil), result.Intersection.Networks...),
	}
	out, err := model.EncodeEvent(resp)
	if err != nil {
		r.drop(DropPublishFailed, started, req.SessionID, responderID, StageResponding, "error", err.Error())
		return
	}
	if snap.ctx.Err() != nil {
		r.drop(DropStopped, started, req.SessionID, responderID, StageResponding)
		return
	}
	if err := r.bus.Publish(snap.ctx, model.EventResponse, out); err != nil {
		r.log.warn(string(StageResponding), correlation, "discovery response publish failed", "error", err.Error())
		r.drop(DropPublishFailed, started, req.SessionID, responderID, StageResponding)
		return
	}

	r.mu.Lock()
	r.responded++
	r.mu.Unlock()
	r.metrics.ResponseSent(r.now().Sub(started))
	r.log.info(string(StageResponding), correlation, "discovery response sent",
		"session_id", req.SessionID,
		"origin", decision.Origin,
		"preference_score", result.Preferred.Score,
	)
}

func (r *Responder) drop(reason DropReason, started time.Time, sessionID, responderID string, stage Stage, attrs ...any) {
	r.mu.Lock()
	r.dropped[reason]++
	r.mu.Unlock()
	r.metrics.RequestDropped(string(reason), r.now().Sub(started))
	attrs = append([]any{"reason", string(reason), "session_id", sessionID}, attrs...)
	r.log.debug(string(stage), correlationID(sessionID, responderID), "discovery request dropped", attrs...)
}

func (r *Responder) recordOrigin(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byOrigin[origin]; !ok && len(r.byOrigin) >= maxTrackedOrigins {
		origin = otherOriginsKey
	}
	r.byOrigin[origin]++
}

// TrackedOrigins lists origins with recorded requests, busiest first.
func (s ResponderStats) TrackedOrigins() []string {
	out := make([]string, 0, len(s.RequestsByOrigin))
	for origin := range s.RequestsByOrigin {
		out = append(out, origin)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := s.RequestsByOrigin[out[i]], s.RequestsByOrigin[out[j]]
		if a != b {
			return a > b
		}
		return out[i] < out[j]
	})
	return out
}

func prepareResponderInfo(info model.ResponderInfo) (model.ResponderInfo, error) {
	if err := info.Validate(); err != nil {
		return model.ResponderInfo{}, fmt.Errorf("%w: %v", ErrInvalidResponder, err)
	}
	info.ResponderID = strings.TrimSpace(info.ResponderID)
	if info.ResponderID == "" {
		id, err := policy.BuildResponderID(info.RDNS, info.Name)
		if err != nil {
			return model.ResponderInfo{}, fmt.Errorf("%w: %v", ErrInvalidResponder, err)
		}
		info.ResponderID = id
	}
	info.TransportConfig = info.TransportConfig.Clone()
	return info, nil
}

func normalizeTimeout(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
