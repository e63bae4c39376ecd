// Package main is the entry point for the MCP gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/myunla/gateway/cmd/gateway/app"
	"github.com/myunla/gateway/pkg/logger"
)

func main() {
	// Cancel the root context on signal so serve can drain sessions and
	// stop upstream transports before exiting.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
