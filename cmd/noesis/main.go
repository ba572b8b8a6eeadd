// Command noesis runs the belief-revision engine as a standalone process:
// it starts the intake worker and the minute/daily scheduler and blocks
// until interrupted. It has no HTTP listener — callers embedding this
// module as a library talk to noesis.App.Engine directly instead.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/DigiBugCat/noesis"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := noesis.New(ctx, noesis.WithLogger(logger))
	if err != nil {
		logger.Error("noesis: startup failed", "error", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("noesis: run failed", "error", err)
		os.Exit(1)
	}
}
