// Command identityctl drives the identity and authorized token registry.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"identitycore/internal/cli"
)

// Build information injected via ldflags at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx, version)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
