package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/locsync/internal/client"
	"github.com/TheMichaelB/locsync/internal/config"
	"github.com/TheMichaelB/locsync/internal/events"
)

var (
	cfgFile    string
	logLevel   string
	jsonOutput bool

	cfg    *config.Config
	logger *events.Logger
)

var rootCmd = &cobra.Command{
	Use:   "locsync",
	Short: "Capture, buffer and upload location samples",
	Long: `locsync captures position samples from a location provider, keeps them
in a durable local queue and synchronizes them to a remote HTTP collector.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default: ./locsync.json or ~/.config/locsync/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	cfg = loaded

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if jsonOutput {
		// Keep stdout for command output.
		cfg.Log.Format = "json"
		cfg.Log.Color = false
		if logLevel == "" && cfg.Log.File == "" {
			cfg.Log.Level = "error"
		}
	}

	configureColor(cfg.Log.Color)

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)
	return nil
}

// newClient builds the pipeline for one command.
func newClient(opts ...client.Option) (*client.Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return client.New(cfg, logger, opts...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("Error: %v", err)
		os.Exit(1)
	}
}
