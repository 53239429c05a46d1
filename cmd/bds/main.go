package main

import (
	"context"
	"os"
	"os/signal"

	internal "github.com/ZanzyTHEbar/bds-sentiment/bds"
)

func main() {
	logger := internal.GetLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("bds failed")
		stop()
		os.Exit(1)
	}
}
