package discoveryconfig

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wallet-discovery/go-backend/internal/eventbus"
)

const sampleYAML = `
network:
  transport: go-waku
  port: 60010
  bootstrapNodes:
    - /ip4/10.0.0.1/tcp/60000
  reconnectInterval: 2s
logging:
  level: debug
metrics:
  addr: 127.0.0.1:9464
responder:
  info:
    name: Example Wallet
    rdns: io.example.wallet
    icon: data:image/svg+xml;base64,PHN2Zy8+
    capabilities:
      technologies:
        - type: evm
          interfaces: [eip-1193, eip-6963]
      networks: ["eip155:1"]
  origin:
    blockedOrigins: ["https://evil.example"]
    knownDomains: [metamask.io]
  rateLimit:
    maxRequests: 20
initiator:
  timeout: 1500ms
  maxResponders: 3
  initiatorInfo:
    name: Example dApp
    url: https://dapp.example
  required:
    technologies:
      - type: evm
        interfaces: [eip-1193]
    features: []
`

func noEnv(string) string { return "" }

func TestDecodeKeepsDefaultsForAbsentKeys(t *testing.T) {
	cfg := Default()
	if err := Decode([]byte(sampleYAML), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Network.Transport != eventbus.TransportGoWaku || cfg.Network.Port != 60010 {
		t.Fatalf("unexpected network config %+v", cfg.Network)
	}
	if cfg.Network.ReconnectInterval != 2*time.Second {
		t.Fatalf("expected reconnectInterval=2s, got %s", cfg.Network.ReconnectInterval)
	}
	if cfg.Network.PubsubTopic != eventbus.DefaultConfig().PubsubTopic {
		t.Fatal("unset pubsub topic must keep its default")
	}
	if !cfg.Responder.Origin.RequireHTTPS {
		t.Fatal("requireHttps must stay on when the file does not mention it")
	}
	if cfg.Responder.RateLimit.MaxRequests != 20 || cfg.Responder.RateLimit.BurstSize != 5 {
		t.Fatalf("expected merged rate limit, got %+v", cfg.Responder.RateLimit)
	}
	if cfg.Responder.Info.Capabilities.Technologies[0].Interfaces[1] != "eip-6963" {
		t.Fatalf("unexpected capabilities %+v", cfg.Responder.Info.Capabilities)
	}
	if cfg.Initiator.Timeout != 1500*time.Millisecond || cfg.Initiator.MaxResponders != 3 {
		t.Fatalf("unexpected initiator config %+v", cfg.Initiator)
	}
	if err := cfg.Initiator.Required.Validate(); err != nil {
		t.Fatalf("expected decoded requirements to be valid: %v", err)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.MetricsAddr != "127.0.0.1:9464" {
		t.Fatalf("unexpected ambient config level=%v metrics=%q", cfg.LogLevel, cfg.MetricsAddr)
	}
}

func TestMergeOnlyOverridesSetFields(t *testing.T) {
	dst := eventbus.DefaultConfig()
	Merge(&dst, NetworkFileConfig{MinPeers: 4, AppName: "custom"})
	if dst.MinPeers != 4 || dst.AppName != "custom" {
		t.Fatalf("expected overrides applied, got %+v", dst)
	}
	if dst.Transport != eventbus.TransportMock || dst.Port != 60000 {
		t.Fatalf("expected untouched defaults, got %+v", dst)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"DISCOVERY_TRANSPORT":       "go-waku",
		"DISCOVERY_PORT":            "61000",
		"DISCOVERY_BOOTSTRAP_NODES": "/ip4/10.0.0.1/tcp/1, /ip4/10.0.0.2/tcp/2",
		"DISCOVERY_ALLOW_LOCALHOST": "true",
		"DISCOVERY_REQUIRE_HTTPS":   "false",
		"DISCOVERY_TIMEOUT":         "750ms",
		"DISCOVERY_LOG_LEVEL":       "warn",
	}
	if err := ApplyEnvOverrides(&cfg, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Network.Transport != "go-waku" || cfg.Network.Port != 61000 || len(cfg.Network.BootstrapNodes) != 2 {
		t.Fatalf("unexpected network overrides %+v", cfg.Network)
	}
	if !cfg.Responder.Origin.AllowLocalhost || cfg.Responder.Origin.RequireHTTPS {
		t.Fatalf("unexpected origin overrides %+v", cfg.Responder.Origin)
	}
	if cfg.Initiator.Timeout != 750*time.Millisecond || cfg.LogLevel != slog.LevelWarn {
		t.Fatalf("unexpected overrides timeout=%s level=%v", cfg.Initiator.Timeout, cfg.LogLevel)
	}
}

func TestApplyEnvOverridesRejectsMalformedValues(t *testing.T) {
	for key, value := range map[string]string{
		"DISCOVERY_PORT":          "http",
		"DISCOVERY_REQUIRE_HTTPS": "sometimes",
		"DISCOVERY_TIMEOUT":       "-1s",
		"DISCOVERY_LOG_LEVEL":     "loud",
	} {
		cfg := Default()
		err := ApplyEnvOverrides(&cfg, func(k string) string {
			if k == key {
				return value
			}
			return ""
		})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s=%q: expected ErrInvalidConfig, got %v", key, value, err)
		}
	}
}

func TestLoadFromExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DISCOVERY_PORT", "61001")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source != path || cfg.Network.Port != 61001 {
		t.Fatalf("expected file plus env override, got source=%q port=%d", cfg.Source, cfg.Network.Port)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("explicit missing path must fail")
	}
}

func TestLoadRejectsInvalidBootstrapNode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.yaml")
	data := []byte("network:\n  transport: go-waku\n  bootstrapNodes: [\"not-a-multiaddr\"]\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := ApplyEnvOverrides(&cfg, noEnv); err != nil {
		t.Fatalf("apply empty env: %v", err)
	}
	if err := eventbus.ValidateConfig(cfg.Network); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestShippedConfigLoadsAndValidates(t *testing.T) {
	path := filepath.Join("..", "..", "..", "configs", "discovery.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read shipped config: %v", err)
	}
	cfg := Default()
	if err := Decode(data, &cfg); err != nil {
		t.Fatalf("decode shipped config: %v", err)
	}
	if err := eventbus.ValidateConfig(cfg.Network); err != nil {
		t.Fatalf("shipped network config invalid: %v", err)
	}
	if err := cfg.Responder.Info.Validate(); err != nil {
		t.Fatalf("shipped responder info invalid: %v", err)
	}
	if err := cfg.Initiator.Required.Validate(); err != nil {
		t.Fatalf("shipped initiator requirements invalid: %v", err)
	}
	if cfg.Responder.RateLimit.BlockDuration != 5*time.Minute {
		t.Fatalf("unexpected block duration %s", cfg.Responder.RateLimit.BlockDuration)
	}
}
