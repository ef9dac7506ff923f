package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"stackup/internal/app"
)

func main() {
	// Create context that cancels on interrupt
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	application := app.New()
	err := application.RunWithContext(ctx, os.Args[1:])
	cancel()
	os.Exit(app.Exit(os.Stderr, err))
}
