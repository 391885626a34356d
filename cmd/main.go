package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"cohort.app/auth/internal/interfaces/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
