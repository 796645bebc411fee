// cmd/meetsync — 会议实时同步 CLI。
//
//	meetsync watch <meeting>
//	meetsync run <meeting> --rounds 2 --topic "release plan"
//	meetsync say <meeting> "please summarize"
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/multi-agent/meetsync/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.Error("meetsync failed", logger.FieldError, err)
		os.Exit(1)
	}
}
