package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "chatstream: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chatstream",
		Short: "Streaming chat server with abortable requests and message versions",
		Long: `chatstream runs chat requests against an LLM provider and streams the
answer to every viewer of the conversation over SSE or WebSocket.

Configuration is read from a YAML file (default ./config.yaml). CHATSTREAM_*
environment variables override file values.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", defaultConfigPath(), "path to the YAML config file")

	root.AddCommand(newServeCmd(), newReplayCmd(), newSealCmd())
	return root
}

func defaultConfigPath() string {
	if v := os.Getenv("CHATSTREAM_CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}
