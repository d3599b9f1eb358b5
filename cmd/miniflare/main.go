// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// miniflare runs a local edge-worker simulator with a built-in
// debugging worker that exposes the gateways over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"miniflare.dev/miniflare"
	"miniflare.dev/miniflare/queue"
)

var (
	config miniflare.Config
	queues []string

	rootCmd = &cobra.Command{
		Use:   "miniflare",
		Short: "local simulator for serverless edge workers",
		RunE:  run,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&config.Server.Address, "address", "127.0.0.1:8787", "address for the http front-end")
	flags.IntVar(&config.Server.SubrequestLimit, "subrequest-limit", 50, "external subrequest budget per request, 0 for unlimited")
	flags.BoolVar(&config.Server.ErrorStacks, "error-stacks", true, "attach error stacks to error responses")
	flags.StringVar(&config.KV.Persist, "kv-persist", "", "kv persistence location, empty for in-memory")
	flags.StringVar(&config.Cache.Persist, "cache-persist", "", "cache persistence location, empty for in-memory")
	flags.BoolVar(&config.Cache.Disabled, "cache-disabled", false, "turn every cache operation into a no-op")
	flags.StringVar(&config.R2.Persist, "r2-persist", "", "bucket persistence location, empty for in-memory")
	flags.StringVar(&config.Queues.Persist, "queue-persist", "", "queue write-ahead log location, empty to disable logging")
	flags.StringVar(&config.Durable.Persist, "do-persist", "", "durable object persistence location, empty for in-memory")
	flags.StringArrayVar(&queues, "queue", nil, "queue to create with the dev worker bound as consumer (repeatable)")
	flags.BoolVar(&config.Verbose, "verbose", false, "log every storage operation")
}

func run(cmd *cobra.Command, args []string) error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	worker := &devWorker{log: log.Named("worker")}
	peer, err := miniflare.New(log, config,
		miniflare.NamedWorker{Name: "dev", Worker: worker})
	if err != nil {
		return err
	}
	worker.peer = peer
	defer func() { _ = peer.Close() }()

	for _, name := range queues {
		if err := peer.ConfigureQueue(name, queue.Options{}); err != nil {
			return err
		}
		peer.BindQueueConsumer(name, worker)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return peer.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
