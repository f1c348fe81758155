package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cartridge/expreplay/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "replay",
	Short: "Cartridge experience replay service",
	Long: `Replay service that holds a bounded FIFO memory of environment transitions.

Rollout workers store transitions over HTTP and learners sample training
batches from it. The memory can be checkpointed to SQLite and restored.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the replay HTTP API and gRPC health endpoint",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Optional config file (yaml, json or toml)")

	config.RegisterFlags(serveCmd.Flags(), config.Default())

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newCheckpointsCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
