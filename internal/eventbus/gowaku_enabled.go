//go:build real_waku

package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
)

var errNodeNotStarted = errors.New("go-waku node is not started")

type goWakuNode struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	cfg            Config
	maintainCancel context.CancelFunc
	maintainWG     sync.WaitGroup
}

func newGoWakuBackend() relayBackend {
	return &goWakuNode{}
}

func (g *goWakuNode) Start(ctx context.Context, cfg Config) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	node, err := wakuNode.New(
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
	)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	for _, addr := range cfg.BootstrapNodes {
		if err := node.DialPeer(ctx, addr); err != nil {
			slog.Warn("bootstrap dial failed", "peer_addr", addr, "reason", err.Error())
		}
	}

	g.mu.Lock()
	g.node = node
	g.cfg = cfg
	g.mu.Unlock()
	g.startPeerMaintenance()
	return nil
}

func (g *goWakuNode) Stop() {
	g.stopPeerMaintenance()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuNode) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *goWakuNode) ListenAddresses() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return nil
	}
	addrs := g.node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func (g *goWakuNode) Subscribe(contentTopic string, handler Handler) (func(), error) {
	g.mu.RLock()
	node := g.node
	pubsubTopic := g.cfg.PubsubTopic
	g.mu.RUnlock()
	if node == nil {
		return nil, errNodeNotStarted
	}

	filter := protocol.NewContentFilter(pubsubTopic, contentTopic)
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil || len(env.Message().Payload) == 0 {
					continue
				}
				go handler(append([]byte(nil), env.Message().Payload...))
			}
		}(sub)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := node.Relay().Unsubscribe(context.Background(), filter); err != nil {
				slog.Debug("relay unsubscribe failed", "content_topic", contentTopic, "reason", err.Error())
			}
		})
	}, nil
}

func (g *goWakuNode) Publish(ctx context.Context, contentTopic string, payload []byte) error {
	g.mu.RLock()
	node := g.node
	pubsubTopic := g.cfg.PubsubTopic
	g.mu.RUnlock()
	if node == nil {
		return errNodeNotStarted
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: contentTopic,
		Timestamp:    &ts,
	}
	_, err := node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(pubsubTopic))
	return err
}

func (g *goWakuNode) startPeerMaintenance() {
	g.mu.Lock()
	if g.maintainCancel != nil {
		g.maintainCancel()
		g.maintainCancel = nil
	}
	if len(g.cfg.BootstrapNodes) == 0 || g.node == nil {
		g.mu.Unlock()
		return
	}
	maintainCtx, cancel := context.WithCancel(context.Background())
	g.maintainCancel = cancel
	g.maintainWG.Add(1)
	cfg := g.cfg
	g.mu.Unlock()

	go func() {
		defer g.maintainWG.Done()
		ticker := time.NewTicker(cfg.ReconnectInterval)
		defer ticker.Stop()

		backoff := cfg.ReconnectInterval
		nextAttemptAt := time.Now()
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

		for {
			select {
			case <-maintainCtx.Done():
				return
			case <-ticker.C:
				if time.Now().Before(nextAttemptAt) || !g.needMorePeers() {
					continue
				}
				if g.redialBootstrapPeers(maintainCtx, rnd) {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}
				backoff *= 2
				if backoff > cfg.ReconnectBackoffMax {
					backoff = cfg.ReconnectBackoffMax
				}
				jitter := time.Duration(rnd.Int63n(int64(backoff/2) + 1))
				nextAttemptAt = time.Now().Add(backoff + jitter)
			}
		}
	}()
}

func (g *goWakuNode) stopPeerMaintenance() {
	g.mu.Lock()
	cancel := g.maintainCancel
	g.maintainCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		g.maintainWG.Wait()
	}
}

func (g *goWakuNode) needMorePeers() bool {
	g.mu.RLock()
	node := g.node
	cfg := g.cfg
	g.mu.RUnlock()
	if node == nil {
		return false
	}
	return node.PeerCount() < startupPeerTarget(cfg)
}

func (g *goWakuNode) redialBootstrapPeers(ctx context.Context, rnd *rand.Rand) bool {
	g.mu.RLock()
	node := g.node
	nodes := append([]string(nil), g.cfg.BootstrapNodes...)
	g.mu.RUnlock()
	if node == nil {
		return false
	}
	rnd.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })

	success := false
	for _, addr := range nodes {
		if err := node.DialPeer(ctx, addr); err != nil {
			slog.Warn("peer redial failed", "peer_addr", addr, "reason", err.Error())
			continue
		}
		success = true
	}
	return success
}
