package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Shimano02/Iida-clinic/internal/cli"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	deps := &cli.Dependencies{
		Out:     os.Stdout,
		Logger:  logger,
		Connect: cli.DialBus(logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(deps).ExecuteContext(ctx); err != nil {
		cli.NewFormatter(os.Stderr).Error(err.Error())
		stop()
		os.Exit(1)
	}
}
