// Command aguimesh serves AG-UI agents over HTTP and runs them from the
// command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/aguimesh/config"
)

var (
	configPath string
	debug      bool
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "aguimesh",
	Short: "AG-UI event streaming server",
	Long: `aguimesh runs agents and streams their output to clients as AG-UI
events over Server-Sent Events. Conversations are persisted to the
configured store (memory, sqlite, mongo or redis).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config (default: built-in echo agent, in-memory store)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging and full error details")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log.format (json, text, charm, clue)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config and applies the flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if debug {
		cfg.Debug = true
		cfg.Log.Level = "debug"
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
