// Command supervisor is the sandbox's process-1: it brings the workspace
// up to date, runs the repo's setup script, starts the local agent server
// and the bridge, and keeps both alive until shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandboxctl/agent-bridge/internal/config"
	"github.com/sandboxctl/agent-bridge/internal/redact"
	"github.com/sandboxctl/agent-bridge/internal/supervisor"
)

func main() {
	log := slog.New(slog.NewJSONHandler(redact.NewDefault().Writer(os.Stdout), &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := config.LoadDotEnv("/app/sandbox/.env"); err != nil {
		log.Warn("supervisor.dotenv_error", "error", err.Error())
	}

	cfg, err := supervisor.ConfigFromEnv()
	if err != nil {
		log.Error("supervisor.config_error", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sup := supervisor.New(cfg, log)
	if err := sup.Run(ctx); err != nil {
		log.Error("supervisor.exit_error", "error", err.Error())
		os.Exit(1)
	}
}
