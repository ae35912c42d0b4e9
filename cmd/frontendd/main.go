package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx := withSignalCancel(context.Background())
	os.Exit(submain(ctx))
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
