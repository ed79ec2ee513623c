package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"transcodeengine/cmd/transcodectl/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.NewCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
