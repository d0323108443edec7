package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/exp/slog"

	"github.com/alovak/virtualcards/issuer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error("loading .env", "err", err)
		os.Exit(1)
	}

	config, err := issuer.LoadConfig()
	if err != nil {
		logger.Error("loading config", "err", err)
		os.Exit(1)
	}

	app := issuer.NewApp(logger, config)
	if err := app.Start(); err != nil {
		logger.Error("starting issuer", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	app.Shutdown()
}
