package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"

	defaultPubsubTopic = "/waku/2/default-waku/proto"
	defaultAppName     = "wallet-discovery"
)

var runtimeStatusPollInterval = 1 * time.Second

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	PubsubTopic         string        `yaml:"pubsubTopic"`
	AppName             string        `yaml:"appName"`
	StartupTimeout      time.Duration `yaml:"startupTimeout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type Status struct {
	Transport string
	State     string
	PeerCount int
	LastSync  time.Time
}

// relayBackend is a peer-to-peer transport carrying events between processes.
type relayBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	ListenAddresses() []string
	Subscribe(contentTopic string, handler Handler) (func(), error)
	Publish(ctx context.Context, contentTopic string, payload []byte) error
}

var newRelayBackend = newGoWakuBackend

// Node is a Bus bound to a transport. The mock transport shares an in-process
// bus; go-waku relays events over gossipsub.
type Node struct {
	mu      sync.RWMutex
	cfg     Config
	status  Status
	local   *LocalBus
	backend relayBackend
	subs    map[*Subscription]struct{}
	logger  *slog.Logger

	monitorCancel    context.CancelFunc
	monitorWG        sync.WaitGroup
	stateTransitions int
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		MinPeers:            1,
		PubsubTopic:         defaultPubsubTopic,
		AppName:             defaultAppName,
		StartupTimeout:      5 * time.Second,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

func NewNode(cfg Config, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg = normalizeConfig(cfg)
	return &Node{
		cfg:    cfg,
		local:  processBus,
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
		status: Status{Transport: cfg.Transport, State: StateDisconnected},
	}
}

// NewLocalNode returns a mock-transport node bound to its own bus instead of
// the process-wide one.
func NewLocalNode(bus *LocalBus) *Node {
	n := NewNode(Config{Transport: TransportMock}, nil)
	if bus != nil {
		n.local = bus
	}
	return n
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.Port < 0 {
		cfg.Port = 0
	}
	if strings.TrimSpace(cfg.PubsubTopic) == "" {
		cfg.PubsubTopic = def.PubsubTopic
	}
	cfg.AppName = strings.Trim(strings.TrimSpace(cfg.AppName), "/")
	if cfg.AppName == "" {
		cfg.AppName = def.AppName
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	nodes := make([]string, 0, len(cfg.BootstrapNodes))
	for _, addr := range cfg.BootstrapNodes {
		if addr = strings.TrimSpace(addr); addr != "" {
			nodes = append(nodes, addr)
		}
	}
	cfg.BootstrapNodes = nodes
	return cfg
}

// ValidateConfig checks transport selection and bootstrap multiaddrs.
func ValidateConfig(cfg Config) error {
	cfg = normalizeConfig(cfg)
	switch cfg.Transport {
	case TransportMock, TransportGoWaku:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Transport)
	}
	for _, addr := range cfg.BootstrapNodes {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidBootstrap, addr, err)
		}
	}
	return nil
}

// ContentTopic maps an event name onto a waku content topic, for example
// discovery:wallet:request -> /wallet-discovery/1/discovery-wallet-request/json.
func ContentTopic(appName, event string) string {
	name := strings.NewReplacer(":", "-", "/", "-", " ", "-").Replace(strings.ToLower(strings.TrimSpace(event)))
	return "/" + appName + "/1/" + name + "/json"
}

func (n *Node) Start(ctx context.Context) error {
	if err := ValidateConfig(n.cfg); err != nil {
		return err
	}
	n.mu.Lock()
	if n.status.State == StateConnected || n.status.State == StateDegraded {
		n.mu.Unlock()
		return nil
	}
	n.transitionStateLocked(StateConnecting)
	n.status.LastSync = time.Now()
	cfg := n.cfg
	n.mu.Unlock()

	if cfg.Transport == TransportGoWaku {
		backend := newRelayBackend()
		if backend == nil {
			n.setDisconnected()
			return ErrNoTransport
		}
		if err := backend.Start(ctx, cfg); err != nil {
			n.setDisconnected()
			return fmt.Errorf("start go-waku: %w", err)
		}
		peerCount, err := waitForStartupPeerCount(ctx, backend, cfg)
		if err != nil {
			backend.Stop()
			n.setDisconnected()
			return err
		}
		n.mu.Lock()
		n.backend = backend
		n.transitionStateLocked(startupStateFromPeerCount(peerCount, cfg))
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		n.logger.Info("event bus started", "transport", cfg.Transport, "peers", peerCount, "listen", backend.ListenAddresses())
		n.startRuntimeMonitor()
		return nil
	}

	if err := ctx.Err(); err != nil {
		n.setDisconnected()
		return err
	}
	n.mu.Lock()
	n.transitionStateLocked(StateConnected)
	n.status.PeerCount = 1
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	n.logger.Info("event bus started", "transport", cfg.Transport)
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopRuntimeMonitor()

	n.mu.Lock()
	subs := make([]*Subscription, 0, len(n.subs))
	for s := range n.subs {
		subs = append(subs, s)
	}
	n.subs = make(map[*Subscription]struct{})
	backend := n.backend
	n.backend = nil
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	n.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	if backend != nil {
		backend.Stop()
	}
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.backend != nil {
		s.PeerCount = n.backend.PeerCount()
	}
	return s
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.backend == nil {
		return nil
	}
	return append([]string(nil), n.backend.ListenAddresses()...)
}

func (n *Node) Publish(ctx context.Context, event string, payload []byte) error {
	event, err := normalizeEvent(event)
	if err != nil {
		return err
	}
	n.mu.RLock()
	state := n.status.State
	backend := n.backend
	local := n.local
	appName := n.cfg.AppName
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return ErrNotConnected
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if backend != nil {
		return backend.Publish(ctx, ContentTopic(appName, event), payload)
	}
	return local.Publish(ctx, event, payload)
}

func (n *Node) Subscribe(event string, handler Handler) (*Subscription, error) {
	event, err := normalizeEvent(event)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	n.mu.RLock()
	state := n.status.State
	backend := n.backend
	local := n.local
	appName := n.cfg.AppName
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return nil, ErrNotConnected
	}

	var sub *Subscription
	if backend != nil {
		cancel, err := backend.Subscribe(ContentTopic(appName, event), handler)
		if err != nil {
			return nil, err
		}
		sub = newSubscription(event, nil)
		sub.detach = func() {
			cancel()
			n.forget(sub)
		}
	} else {
		inner, err := local.Subscribe(event, handler)
		if err != nil {
			return nil, err
		}
		sub = newSubscription(event, nil)
		sub.detach = func() {
			inner.Close()
			n.forget(sub)
		}
	}

	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()
	return sub, nil
}

func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return map[string]int{
		"network_state_transitions": n.stateTransitions,
		"active_subscriptions":      len(n.subs),
	}
}

func (n *Node) forget(sub *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs, sub)
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

func (n *Node) startRuntimeMonitor() {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
		n.monitorCancel = nil
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()

		n.refreshRuntimeStatus()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				n.refreshRuntimeStatus()
			}
		}
	}()
}

func (n *Node) stopRuntimeMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

func (n *Node) refreshRuntimeStatus() {
	n.mu.RLock()
	backend := n.backend
	n.mu.RUnlock()
	if backend == nil {
		return
	}
	peerCount := backend.PeerCount()
	nextState := StateConnected
	if peerCount <= 0 {
		nextState = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != nextState || n.status.PeerCount != peerCount {
		if n.status.State != nextState {
			n.logger.Warn("event bus state changed", "from", n.status.State, "to", nextState, "peers", peerCount)
		}
		n.transitionStateLocked(nextState)
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
	}
}

func (n *Node) transitionStateLocked(next string) {
	if next == "" {
		return
	}
	if n.status.State != next {
		n.stateTransitions++
		n.status.State = next
	}
}

func waitForStartupPeerCount(ctx context.Context, backend relayBackend, cfg Config) (int, error) {
	target := startupPeerTarget(cfg)
	peerCount := backend.PeerCount()
	if peerCount >= target || len(cfg.BootstrapNodes) == 0 {
		return peerCount, nil
	}

	timer := time.NewTimer(cfg.StartupTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return backend.PeerCount(), ctx.Err()
		case <-timer.C:
			return backend.PeerCount(), nil
		case <-ticker.C:
			peerCount = backend.PeerCount()
			if peerCount >= target {
				return peerCount, nil
			}
		}
	}
}

func startupStateFromPeerCount(peerCount int, cfg Config) string {
	if peerCount >= startupPeerTarget(cfg) {
		return StateConnected
	}
	return StateDegraded
}

func startupPeerTarget(cfg Config) int {
	target := cfg.MinPeers
	if len(cfg.BootstrapNodes) > 0 && target > len(cfg.BootstrapNodes) {
		target = len(cfg.BootstrapNodes)
	}
	if target < 1 {
		target = 1
	}
	return target
}
