package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/halcyonsec/shadowmap/cmd"
	"github.com/halcyonsec/shadowmap/internal/observability"
)

func main() {
	// SIGINT and SIGTERM cancel the command context so a running scan lands
	// in the cancelled state with its partial results persisted.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
