// Package main provides okrctl, the maintenance CLI for the Momentum
// database: migrations, consistency checks, repairs and token minting.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"momentum/api/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(config.New()).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
