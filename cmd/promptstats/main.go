package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	intrnl "promptstats/internal"
	"promptstats/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	mode, args := parseMode(os.Args[1:])
	flagSet := flag.NewFlagSet("promptstats", flag.ExitOnError)
	addr := flagSet.String("addr", envOrDefault("PROMPTSTATS_ADDR", defaultAddrForMode(mode)), "service listen address (server and local modes)")
	db := flagSet.String("db", envOrDefault("PROMPTSTATS_DB_PATH", ""), "sqlite path or postgres:// DSN (defaults to a per-user path)")
	serviceURL := flagSet.String("service-url", envOrDefault("PROMPTSTATS_SERVICE_URL", ""), "stats service base URL; empty runs the local demo simulation")
	clientID := flagSet.String("client-id", envOrDefault("PROMPTSTATS_CLIENT_ID", ""), "presence identity (random when empty)")
	heartbeat := flagSet.Duration("heartbeat", envDuration("PROMPTSTATS_HEARTBEAT", 0), "demo presence heartbeat interval")
	presenceTTL := flagSet.Duration("presence-ttl", envDuration("PROMPTSTATS_PRESENCE_TTL", 0), "demo presence expiry")
	generation := flagSet.Duration("generation-delay", envDuration("PROMPTSTATS_GENERATION_DELAY", 0), "how long a simulated generation takes")
	logFile := flagSet.String("log-file", envOrDefault("PROMPTSTATS_LOG_FILE", ""), "write logs to this file (client mode logs nothing without it)")
	quiet := flagSet.Bool("quiet", false, "suppress informational logs")
	version := flagSet.Bool("version", false, "print the version and exit")
	flagSet.Parse(args)

	if *version {
		fmt.Println(intrnl.VersionString())
		return
	}

	logger, err := buildLogger(mode, *quiet, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "promptstats: logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	serverCfg := app.ServerConfig{
		Addr:   *addr,
		DBPath: *db,
	}
	if serverCfg.DBPath == "" {
		serverCfg.DBPath = app.DefaultDBPath()
	}

	clientCfg := app.ClientConfig{
		ServiceURL:      *serviceURL,
		DBPath:          serverCfg.DBPath,
		ClientID:        *clientID,
		Heartbeat:       *heartbeat,
		PresenceTTL:     *presenceTTL,
		GenerationDelay: *generation,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeServer:
		err = runServerMode(ctx, serverCfg, logger)
	case modeLocal:
		err = runLocalMode(ctx, serverCfg, clientCfg, logger)
	default:
		err = app.RunClient(ctx, clientCfg, logger)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "promptstats: %v\n", err)
		os.Exit(1)
	}
}

func buildLogger(mode string, quiet bool, path string) (*zap.Logger, error) {
	if mode != modeServer && path == "" {
		// the terminal belongs to the TUI
		return zap.NewNop(), nil
	}
	return app.NewLogger(quiet, path)
}

func runServerMode(ctx context.Context, cfg app.ServerConfig, logger *zap.Logger) error {
	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("promptstats service listening", zap.String("addr", handle.Addr()), zap.String("db", cfg.DBPath))
	return handle.Wait()
}

// runLocalMode starts a private service and points the client at it, so the
// client runs in secure mode end to end.
func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle, err := app.RunServer(ctx, serverCfg, logger)
	if err != nil {
		return err
	}
	logger.Info("starting local promptstats service", zap.String("addr", handle.Addr()), zap.String("db", serverCfg.DBPath))
	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		stopServer(handle)
		return err
	}

	clientCfg.ServiceURL = handle.URL()
	logger.Info("launching client", zap.String("service_url", clientCfg.ServiceURL))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(handle.Wait)
	group.Go(func() error {
		defer cancel()
		return app.RunClient(groupCtx, clientCfg, logger)
	})
	return group.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func defaultAddrForMode(mode string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return ":8080"
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "promptstats: ignoring %s=%q: %v\n", key, value, err)
		return fallback
	}
	return parsed
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
