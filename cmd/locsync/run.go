package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/locsync/internal/client"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Track locations and synchronize them until interrupted",
	Long: `Run starts the sync queue worker and, when enabled, the display server.
Samples captured by the provider are persisted and uploaded according to the
sync settings. Press Ctrl-C to stop; in-flight uploads finish first.`,
	Example: `  locsync run --enable
  locsync run --no-display --config ./locsync.json`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runEnable    bool
	runNoDisplay bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVarP(&runEnable, "enable", "e", false,
		"Enable tracking on start (overrides tracking.enable_on_start)")
	runCmd.Flags().BoolVar(&runNoDisplay, "no-display", false,
		"Do not start the display server")
}

func runRun(cmd *cobra.Command, args []string) error {
	if runEnable {
		cfg.Tracking.EnableOnStart = true
	}

	var opts []client.Option
	if runNoDisplay {
		opts = append(opts, client.WithDisplay(false))
	}

	c, err := newClient(opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		printWarning("\nShutting down...")
	}()

	if c.Display != nil {
		printInfo("Display listening on http://%s", cfg.Display.Listen)
	}
	printInfo("Tracking %s, auto sync %v", c.Tracking.CurrentState().State, cfg.Sync.AutoSync)

	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	stats := c.Queue.Stats()
	if jsonOutput {
		printJSON(stats)
		return nil
	}
	printSuccess("Stopped with %d pending, %d failed samples", stats.Pending, stats.Failed)
	return nil
}
