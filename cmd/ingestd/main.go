package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/markdave123-py/docstream/internal/cmd"
)

func main() {
	// Handle SIGINT/SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cmd.Execute(ctx)
	stop()
	os.Exit(code)
}
