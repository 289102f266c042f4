package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	intrnl "promptstats/internal"
	"promptstats/internal/app"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", getEnv("PROMPTSTATS_ADDR", ":8080"), "service listen address")
	db := flag.String("db", getEnv("PROMPTSTATS_DB_PATH", app.DefaultDBPath()), "sqlite path or postgres:// DSN")
	quiet := flag.Bool("quiet", false, "suppress informational logs")
	version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		fmt.Println(intrnl.VersionString())
		return
	}

	logger, err := app.NewLogger(*quiet, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, app.ServerConfig{Addr: *addr, DBPath: *db}, logger)
	if err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("promptstats service listening", zap.String("addr", handle.Addr()))
	if err := handle.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server error", zap.Error(err))
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
