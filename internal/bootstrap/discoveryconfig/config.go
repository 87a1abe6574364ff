package discoveryconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"wallet-discovery/go-backend/internal/domains/discovery/usecase"
	"wallet-discovery/go-backend/internal/eventbus"
)

var ErrInvalidConfig = errors.New("invalid discovery config")

type Config struct {
	Network     eventbus.Config
	Responder   usecase.ResponderConfig
	Initiator   usecase.InitiatorConfig
	LogLevel    slog.Level
	MetricsAddr string
	// Source is the file the config was read from, empty for defaults.
	Source string
}

type FileConfig struct {
	Network   NetworkFileConfig       `yaml:"network"`
	Responder usecase.ResponderConfig `yaml:"responder"`
	Initiator usecase.InitiatorConfig `yaml:"initiator"`
	Logging   LoggingFileConfig       `yaml:"logging"`
	Metrics   MetricsFileConfig       `yaml:"metrics"`
}

type NetworkFileConfig struct {
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

type LoggingFileConfig struct {
	Level string `yaml:"level"`
}

type MetricsFileConfig struct {
	Addr string `yaml:"addr"`
}

func Default() Config {
	return Config{
		Network:   eventbus.DefaultConfig(),
		Responder: usecase.DefaultResponderConfig(),
		Initiator: usecase.InitiatorConfig{Timeout: 3 * time.Second},
		LogLevel:  slog.LevelInfo,
	}
}

// Load reads configPath, or the first readable default location when it is
// empty, and applies DISCOVERY_* environment overrides on top. Missing
// default files are not an error; an explicit path that cannot be read is.
func Load(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"configs/discovery.yaml", "discovery.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.Source = path
		break
	}

	if err := ApplyEnvOverrides(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := eventbus.ValidateConfig(cfg.Network); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Decode applies a YAML document over cfg. Keys absent from the document keep
// the values already in cfg.
func Decode(data []byte, cfg *Config) error {
	parsed := FileConfig{
		Responder: cfg.Responder,
		Initiator: cfg.Initiator,
	}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return err
	}
	Merge(&cfg.Network, parsed.Network)
	cfg.Responder = parsed.Responder
	cfg.Initiator = parsed.Initiator
	if parsed.Logging.Level != "" {
		level, err := parseLevel(parsed.Logging.Level)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if parsed.Metrics.Addr != "" {
		cfg.MetricsAddr = parsed.Metrics.Addr
	}
	return nil
}

func Merge(dst *eventbus.Config, src NetworkFileConfig) {
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = src.BootstrapNodes
	}
	if src.MinPeers != 0 {
		dst.MinPeers = src.MinPeers
	}
	if src.PubsubTopic != "" {
		dst.PubsubTopic = src.PubsubTopic
	}
	if src.AppName != "" {
		dst.AppName = src.AppName
	}
	if src.StartupTimeout != 0 {
		dst.StartupTimeout = src.StartupTimeout
	}
	if src.ReconnectInterval != 0 {
		dst.ReconnectInterval = src.ReconnectInterval
	}
	if src.ReconnectBackoffMax != 0 {
		dst.ReconnectBackoffMax = src.ReconnectBackoffMax
	}
}

// ApplyEnvOverrides reads DISCOVERY_* variables through getenv. Malformed
// values are reported rather than ignored.
func ApplyEnvOverrides(cfg *Config, getenv func(string) string) error {
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	if v := env("DISCOVERY_TRANSPORT"); v != "" {
		cfg.Network.Transport = v
	}
	if v := env("DISCOVERY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("%w: DISCOVERY_PORT=%q", ErrInvalidConfig, v)
		}
		cfg.Network.Port = port
	}
	if v := env("DISCOVERY_BOOTSTRAP_NODES"); v != "" {
		cfg.Network.BootstrapNodes = splitList(v)
	}
	if v := env("DISCOVERY_LOG_LEVEL"); v != "" {
		level, err := parseLevel(v)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if v := env("DISCOVERY_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := env("DISCOVERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("%w: DISCOVERY_TIMEOUT=%q", ErrInvalidConfig, v)
		}
		cfg.Initiator.Timeout = d
	}
	if v := env("DISCOVERY_ALLOWED_ORIGINS"); v != "" {
		cfg.Responder.Origin.AllowedOrigins = splitList(v)
	}
	if v := env("DISCOVERY_BLOCKED_ORIGINS"); v != "" {
		cfg.Responder.Origin.BlockedOrigins = splitList(v)
	}
	for key, dst := range map[string]*bool{
		"DISCOVERY_ALLOW_LOCALHOST":    &cfg.Responder.Origin.AllowLocalhost,
		"DISCOVERY_REQUIRE_HTTPS":      &cfg.Responder.Origin.RequireHTTPS,
		"DISCOVERY_RATE_PER_OPERATION": &cfg.Responder.RateLimit.PerOperation,
		"DISCOVERY_RATE_SLIDING":       &cfg.Responder.RateLimit.SlidingWindow,
	} {
		if err := envBool(env(key), key, dst); err != nil {
			return err
		}
	}
	return nil
}

func envBool(raw, key string, dst *bool) error {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, raw)
	}
	*dst = v
	return nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, raw)
	}
	return level, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
