package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mextic/recargas-sub000/internal/config"
	"github.com/mextic/recargas-sub000/internal/orchestrator"
)

func main() {
	// .env is optional; production injects real environment.
	if err := godotenv.Load(); err == nil {
		log.Println("loaded .env")
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	})))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("recargas engine starting",
		"gps", cfg.GPS.Enabled, "voz", cfg.VOZ.Enabled, "eliot", cfg.Eliot.Enabled,
		"tz", cfg.Timezone)

	if err := orch.Run(ctx); err != nil {
		log.Fatalf("orchestrator error: %v", err)
	}
}

func logLevel() slog.Level {
	if os.Getenv("LOG_LEVEL") == "debug" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
