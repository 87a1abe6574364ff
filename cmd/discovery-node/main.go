package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"wallet-discovery/go-backend/internal/bootstrap/discoveryconfig"
	"wallet-discovery/go-backend/internal/domains/discovery/usecase"
	"wallet-discovery/go-backend/internal/eventbus"
	"wallet-discovery/go-backend/internal/platform/privacylog"
	"wallet-discovery/go-backend/internal/platform/telemetry"
)

const (
	exitOK            = 0
	exitInvalidInput  = 2
	exitConfigFailed  = 3
	exitNetworkFailed = 4
	exitNoWallets     = 5
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInvalidInput)
	}
	switch os.Args[1] {
	case "respond":
		runRespond(os.Args[2:])
	case "discover":
		runDiscover(os.Args[2:])
	case "version":
		writeStdoutf(exitInvalidInput, "discovery-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		os.Exit(exitOK)
	case "help", "-h", "--help":
		printUsage()
		os.Exit(exitOK)
	default:
		printUsage()
		os.Exit(exitInvalidInput)
	}
}

type commonFlags struct {
	configPath  *string
	transport   *string
	metricsAddr *string
	logLevel    *string
}

func registerCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath:  fs.String("config", "", "path to discovery.yaml (optional)"),
		transport:   fs.String("transport", "", "network transport override: go-waku | mock"),
		metricsAddr: fs.String("metrics-addr", "", "prometheus listen address host:port (optional)"),
		logLevel:    fs.String("log-level", "", "log level override: debug | info | warn | error"),
	}
}

// loadRuntime resolves config and builds the shared node, logger and metrics.
func loadRuntime(flags commonFlags) (discoveryconfig.Config, *slog.Logger, *telemetry.Metrics, *eventbus.Node) {
	cfg, err := discoveryconfig.Load(strings.TrimSpace(*flags.configPath))
	if err != nil {
		writeStderrln(err.Error(), exitConfigFailed)
	}
	if v := strings.TrimSpace(*flags.transport); v != "" {
		cfg.Network.Transport = v
		if err := eventbus.ValidateConfig(cfg.Network); err != nil {
			writeStderrln(err.Error(), exitInvalidInput)
		}
	}
	if v := strings.TrimSpace(*flags.metricsAddr); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(*flags.logLevel); v != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(v)); err != nil {
			writeStderrln("invalid log level: "+v, exitInvalidInput)
		}
		cfg.LogLevel = level
	}

	logger := privacylog.NewJSONLogger(os.Stderr, cfg.LogLevel)
	metrics := telemetry.New(prometheus.NewRegistry())
	node := eventbus.NewNode(cfg.Network, logger)
	return cfg, logger, metrics, node
}

func serveMetrics(ctx context.Context, addr string, metrics *telemetry.Metrics, logger *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err.Error())
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics server listening", "addr", addr)
}

func runRespond(args []string) {
	fs := flag.NewFlagSet("respond", flag.ExitOnError)
	flags := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	cfg, logger, metrics, node := loadRuntime(flags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	serveMetrics(ctx, cfg.MetricsAddr, metrics, logger)

	if err := node.Start(ctx); err != nil {
		writeStderrln(fmt.Sprintf("start network: %v", err), exitNetworkFailed)
	}
	defer func() { _ = node.Stop(context.Background()) }()

	responder, err := usecase.NewResponder(cfg.Responder, usecase.ResponderOptions{
		Bus:     node,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		_ = node.Stop(context.Background())
		writeStderrln(err.Error(), exitConfigFailed)
	}
	if err := responder.StartListening(); err != nil {
		_ = node.Stop(context.Background())
		writeStderrln(err.Error(), exitNetworkFailed)
	}
	status := node.Status()
	logger.Info("responder listening",
		"responder_id", responder.ResponderInfo().ResponderID,
		"transport", status.Transport,
		"state", status.State,
		"peers", status.PeerCount,
	)

	<-ctx.Done()
	responder.StopListening()
	stats := responder.Stats()
	responder.Dispose()
	if err := printJSON(stats); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
}

func runDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	flags := registerCommonFlags(fs)
	timeout := fs.Duration("timeout", 0, "collection window override, e.g. 3s")
	maxResponders := fs.Int("max-responders", 0, "stop after this many qualified wallets (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	cfg, logger, metrics, node := loadRuntime(flags)
	if *timeout > 0 {
		cfg.Initiator.Timeout = *timeout
	}
	if *maxResponders > 0 {
		cfg.Initiator.MaxResponders = *maxResponders
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	serveMetrics(ctx, cfg.MetricsAddr, metrics, logger)

	if err := node.Start(ctx); err != nil {
		writeStderrln(fmt.Sprintf("start network: %v", err), exitNetworkFailed)
	}

	initiator, err := usecase.NewInitiator(cfg.Initiator, usecase.InitiatorOptions{
		Bus:     node,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		_ = node.Stop(context.Background())
		writeStderrln(err.Error(), exitConfigFailed)
	}
	wallets, err := initiator.StartDiscovery(ctx)
	state := initiator.State()
	initiator.Dispose()
	_ = node.Stop(context.Background())
	if err != nil && state == usecase.InitiatorError {
		writeStderrln(err.Error(), exitNetworkFailed)
	}

	out := struct {
		State   usecase.InitiatorState `json:"state"`
		Wallets any                    `json:"wallets"`
	}{
		State:   state,
		Wallets: usecase.RankWallets(wallets),
	}
	if err := printJSON(out); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
	if len(wallets) == 0 {
		os.Exit(exitNoWallets)
	}
	os.Exit(exitOK)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	writeStdoutln(exitInvalidInput, "discovery-node <command> [flags]")
	writeStdoutln(exitInvalidInput, "commands:")
	writeStdoutln(exitInvalidInput, "  respond   [--config path] [--transport go-waku|mock] [--metrics-addr host:port] [--log-level level]")
	writeStdoutln(exitInvalidInput, "  discover  [--config path] [--transport go-waku|mock] [--timeout 3s] [--max-responders n] [--metrics-addr host:port]")
	writeStdoutln(exitInvalidInput, "  version")
}

func writeStdoutln(exitCode int, line string) {
	if _, err := fmt.Fprintln(os.Stdout, line); err != nil {
		os.Exit(exitCode)
	}
}

func writeStdoutf(exitCode int, format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stdout, format, args...); err != nil {
		os.Exit(exitCode)
	}
}

func writeStderrln(line string, exitCode int) {
	if _, err := fmt.Fprintln(os.Stderr, line); err != nil {
		os.Exit(exitCode)
	}
	os.Exit(exitCode)
}
