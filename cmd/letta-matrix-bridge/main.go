package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/oculairmedia/letta-matrix-bridge/common/version"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/app"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/observability"
)

func main() {
	fmt.Printf("Letta Matrix Bridge\n")
	fmt.Printf("Version: %s\n", version.Info())
	fmt.Println()

	// A .env file is a convenience for local runs; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	observability.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize bridge: %v\n", err)
		os.Exit(1)
	}

	if err := bridge.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running bridge: %v\n", err)
		os.Exit(1)
	}
}
