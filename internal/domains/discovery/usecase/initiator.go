package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wallet-discovery/go-backend/internal/domains/discovery/model"
	"wallet-discovery/go-backend/internal/domains/discovery/policy"
	"wallet-discovery/go-backend/internal/eventbus"
	"wallet-discovery/go-backend/internal/platform/telemetry"
)

type InitiatorState string

const (
	InitiatorIdle         InitiatorState = "IDLE"
	InitiatorBroadcasting InitiatorState = "BROADCASTING"
	InitiatorCollecting   InitiatorState = "COLLECTING"
	InitiatorCompleted    InitiatorState = "COMPLETED"
	InitiatorTimedOut     InitiatorState = "TIMED_OUT"
	InitiatorError        InitiatorState = "ERROR"
)

const defaultDiscoveryTimeout = 3 * time.Second

// Reasons a response is not folded into the qualified set.
const (
	ignoreMalformed  = "malformed"
	ignoreNotActive  = "not_collecting"
	ignoreSession    = "session_mismatch"
	ignoreDuplicate  = "duplicate"
	ignoreIncomplete = "incomplete_match"
)

type InitiatorConfig struct {
	Required      model.Requirements  `yaml:"required"`
	Optional      *model.Preferences  `yaml:"optional"`
	InitiatorInfo model.InitiatorInfo `yaml:"initiatorInfo"`
	// Origin defaults to InitiatorInfo.URL.
	Origin  string        `yaml:"origin"`
	Timeout time.Duration `yaml:"timeout"`
	// MaxResponders ends collection early once reached; zero means no limit.
	MaxResponders int                         `yaml:"maxResponders"`
	Sessions      policy.SessionTrackerConfig `yaml:"sessions"`
}

type InitiatorOptions struct {
	Bus          eventbus.Bus
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
	Now          func() time.Time
	NewSessionID func() (string, error)
	// OnResponse is called once for every accepted wallet, in arrival order.
	OnResponse func(model.QualifiedWallet)
}

// Initiator runs discovery rounds. One round at a time; a finished round must
// be Reset before the instance is reused.
type Initiator struct {
	mu           sync.Mutex
	bus          eventbus.Bus
	log          componentLogger
	metrics      *telemetry.Metrics
	now          func() time.Time
	newSessionID func() (string, error)
	onResponse   func(model.QualifiedWallet)

	cfg      InitiatorConfig
	round    InitiatorConfig
	seen     *policy.SessionTracker
	state    InitiatorState
	disposed bool

	sessionID string
	wallets   []model.QualifiedWallet
	sub       *eventbus.Subscription
	done      chan struct{}
	finalErr  error
}

func NewInitiator(cfg InitiatorConfig, opts InitiatorOptions) (*Initiator, error) {
	if opts.Bus == nil {
		return nil, ErrBusRequired
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newSessionID := opts.NewSessionID
	if newSessionID == nil {
		newSessionID = newUUIDSessionID
	}
	return &Initiator{
		bus:          opts.Bus,
		log:          newComponentLogger(opts.Logger, initiatorComponentName),
		metrics:      opts.Metrics,
		now:          now,
		newSessionID: newSessionID,
		onResponse:   opts.OnResponse,
		cfg:          cfg,
		seen:         policy.NewSessionTracker(cfg.Sessions),
		state:        InitiatorIdle,
	}, nil
}

// StartDiscovery broadcasts one request and blocks until the round ends. It
// returns the qualified wallets collected so far on timeout, stop, cancel or
// when MaxResponders is reached. Only a failed broadcast is an error.
func (i *Initiator) StartDiscovery(ctx context.Context) ([]model.QualifiedWallet, error) {
	i.mu.Lock()
	switch {
	case i.disposed:
		i.mu.Unlock()
		return nil, ErrDisposed
	case i.state == InitiatorBroadcasting || i.state == InitiatorCollecting:
		i.mu.Unlock()
		return nil, ErrDiscoveryInProgress
	case i.state != InitiatorIdle:
		i.mu.Unlock()
		return nil, ErrResetRequired
	}
	cfg := i.cfg
	if err := cfg.Required.Validate(); err != nil {
		i.mu.Unlock()
		return nil, err
	}
	origin := strings.TrimSpace(cfg.Origin)
	if origin == "" {
		origin = strings.TrimSpace(cfg.InitiatorInfo.URL)
	}
	if origin == "" {
		i.mu.Unlock()
		return nil, fmt.Errorf("%w: origin is required", model.ErrInvalidRequirements)
	}
	sessionID, err := i.newSessionID()
	if err != nil {
		i.mu.Unlock()
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	i.round = cfg
	i.sessionID = sessionID
	i.wallets = nil
	i.finalErr = nil
	i.done = make(chan struct{})
	i.state = InitiatorBroadcasting
	done := i.done
	i.mu.Unlock()

	correlation := correlationID(sessionID, "")
	payload, err := model.EncodeEvent(&model.RequestEvent{
		SessionID:     sessionID,
		Origin:        origin,
		InitiatorInfo: cfg.InitiatorInfo,
		Required:      cfg.Required,
		Optional:      cfg.Optional,
	})
	if err != nil {
		return i.fail(fmt.Errorf("encode discovery request: %w", err))
	}
	sub, err := i.bus.Subscribe(model.EventResponse, i.handlePayload)
	if err != nil {
		return i.fail(fmt.Errorf("subscribe to discovery responses: %w", err))
	}

	// Responses can only be accepted once COLLECTING, so the state flips
	// before the request leaves. A round stopped while subscribing never
	// broadcasts.
	i.mu.Lock()
	if i.state != InitiatorBroadcasting {
		i.mu.Unlock()
		sub.Close()
		return i.collected()
	}
	i.sub = sub
	i.state = InitiatorCollecting
	i.mu.Unlock()
	if err := i.bus.Publish(ctx, model.EventRequest, payload); err != nil {
		return i.fail(fmt.Errorf("publish discovery request: %w", err))
	}
	i.log.info("start_discovery", correlation, "discovery request broadcast",
		"session_id", sessionID,
		"origin", origin,
		"timeout", normalizeTimeout(cfg.Timeout, defaultDiscoveryTimeout),
	)

	timer := time.NewTimer(normalizeTimeout(cfg.Timeout, defaultDiscoveryTimeout))
	defer timer.Stop()
	select {
	case <-timer.C:
		i.finish(InitiatorTimedOut, nil)
	case <-ctx.Done():
		i.finish(InitiatorCompleted, ctx.Err())
	case <-done:
	}
	return i.collected()
}

func (i *Initiator) collected() ([]model.QualifiedWallet, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]model.QualifiedWallet(nil), i.wallets...), i.finalErr
}

// StopDiscovery ends collection early; StartDiscovery returns what was
// collected with state COMPLETED.
func (i *Initiator) StopDiscovery() {
	i.finish(InitiatorCompleted, nil)
}

// Reset clears the finished round so the instance can run again.
func (i *Initiator) Reset() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disposed {
		return ErrDisposed
	}
	if i.state == InitiatorBroadcasting || i.state == InitiatorCollecting {
		return ErrDiscoveryInProgress
	}
	if i.sessionID != "" {
		i.seen.Forget(i.sessionID)
	}
	i.state = InitiatorIdle
	i.sessionID = ""
	i.wallets = nil
	i.finalErr = nil
	i.done = nil
	return nil
}

func (i *Initiator) Dispose() {
	i.finish(InitiatorCompleted, nil)
	i.mu.Lock()
	defer i.mu.Unlock()
	i.disposed = true
	i.seen.Reset()
	i.wallets = nil
}

// UpdateConfig applies to the next round.
func (i *Initiator) UpdateConfig(cfg InitiatorConfig) error {
	if err := cfg.Required.Validate(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disposed {
		return ErrDisposed
	}
	i.cfg = cfg
	return nil
}

func (i *Initiator) State() InitiatorState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Initiator) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID
}

// QualifiedWallets returns the wallets accepted in the current round so far.
func (i *Initiator) QualifiedWallets() []model.QualifiedWallet {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]model.QualifiedWallet(nil), i.wallets...)
}

func (i *Initiator) handlePayload(payload []byte) {
	event, err := model.DecodeEvent(payload)
	if err != nil {
		i.metrics.ResponseIgnored(ignoreMalformed)
		i.log.debug("collect", "n/a", "discovery response ignored", "reason", ignoreMalformed, "error", err.Error())
		return
	}
	resp, ok := event.(*model.ResponseEvent)
	if !ok {
		i.metrics.ResponseIgnored(ignoreMalformed)
		return
	}
	i.acceptResponse(resp)
}

func (i *Initiator) acceptResponse(resp *model.ResponseEvent) {
	i.mu.Lock()
	reason := ""
	switch {
	case i.state != InitiatorCollecting:
		reason = ignoreNotActive
	case resp.SessionID != i.sessionID:
		reason = ignoreSession
	case !resp.Matched.Covers(i.round.Required):
		reason = ignoreIncomplete
	case !i.seen.Observe(resp.SessionID, resp.ResponderID, i.now()):
		reason = ignoreDuplicate
	}
	if reason != "" {
		i.mu.Unlock()
		i.metrics.ResponseIgnored(reason)
		i.log.debug("collect", correlationID(resp.SessionID, resp.ResponderID), "discovery response ignored", "reason", reason)
		return
	}

	wallet := model.QualifiedWallet{
		ResponderID:     resp.ResponderID,
		Name:            resp.Name,
		Icon:            resp.Icon,
		RDNS:            resp.RDNS,
		SessionID:       resp.SessionID,
		Matched:         *resp.Matched,
		Networks:        append([]string(nil), resp.Networks...),
		TransportConfig: resp.TransportConfig.Clone(),
		PreferenceScore: policy.PreferenceScore(i.round.Optional, *resp.Matched),
	}
	i.wallets = append(i.wallets, wallet)
	reached := i.round.MaxResponders > 0 && len(i.wallets) >= i.round.MaxResponders
	onResponse := i.onResponse
	i.mu.Unlock()

	i.metrics.ResponseAccepted()
	i.log.info("collect", correlationID(wallet.SessionID, wallet.ResponderID), "qualified wallet accepted", "name", wallet.Name, "rdns", wallet.RDNS)
	if onResponse != nil {
		onResponse(wallet)
	}
	if reached {
		i.finish(InitiatorCompleted, nil)
	}
}

// finish moves an active round to a terminal state exactly once.
func (i *Initiator) finish(state InitiatorState, err error) {
	i.mu.Lock()
	if i.state != InitiatorBroadcasting && i.state != InitiatorCollecting {
		i.mu.Unlock()
		return
	}
	i.state = state
	i.finalErr = err
	sub := i.sub
	i.sub = nil
	done := i.done
	wallets := len(i.wallets)
	sessionID := i.sessionID
	i.mu.Unlock()

	sub.Close()
	if done != nil {
		close(done)
	}
	i.metrics.RoundFinished(string(state), wallets)
	i.log.info("finish_discovery", correlationID(sessionID, ""), "discovery round finished", "state", string(state), "wallets", wallets)
}

// fail moves an active round to ERROR. When the round already ended, for
// example through StopDiscovery, that outcome stands and err is dropped.
func (i *Initiator) fail(err error) ([]model.QualifiedWallet, error) {
	i.mu.Lock()
	if i.state != InitiatorBroadcasting && i.state != InitiatorCollecting {
		i.mu.Unlock()
		return i.collected()
	}
	i.state = InitiatorError
	i.finalErr = err
	sub := i.sub
	i.sub = nil
	sessionID := i.sessionID
	if i.done != nil {
		close(i.done)
	}
	i.mu.Unlock()

	sub.Close()
	i.metrics.RoundFinished(string(InitiatorError), 0)
	i.log.warn("start_discovery", correlationID(sessionID, ""), "discovery failed", "error", err.Error())
	return nil, err
}

func newUUIDSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// IsTerminal reports whether a round in state s has ended.
func (s InitiatorState) IsTerminal() bool {
	switch s {
	case InitiatorCompleted, InitiatorTimedOut, InitiatorError:
		return true
	}
	return false
}
