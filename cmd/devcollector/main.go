// Command devcollector runs a local tracevine collector backed by
// SQLite. It is meant for SDK development: point TRACEVINE_COLLECTOR__
// BASE_URL at it and inspect captured traces with plain SQL or the
// /v1/sessions/{id}/events endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tracevine/tracevine-go/internal/collector"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var (
		port   = flag.Int("port", 4318, "listen port")
		dbPath = flag.String("db", "./data/tracevine.db", "SQLite database path")
		debug  = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	store, err := collector.NewStore(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	apiKey := os.Getenv("TRACEVINE_COLLECTOR_API_KEY")
	srv := collector.New(*port, store, logger, apiKey)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("collector stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("collector shutdown complete")
}
