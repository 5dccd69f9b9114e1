package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/locsync/internal/client"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Fetch the samples stored by the collector",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0,
		"Show at most this many samples (0 = all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	c, err := newClient(client.WithDisplay(false))
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	snap, err := c.History.Refresh(ctx)
	if err != nil {
		return err
	}

	samples := snap.Samples
	if historyLimit > 0 && len(samples) > historyLimit {
		samples = samples[:historyLimit]
	}

	if jsonOutput {
		snap.Samples = samples
		printJSON(snap)
		return nil
	}

	printSamples(samples)
	printInfo("\n%d samples, refreshed %s", len(snap.Samples), snap.RefreshedAt.Local().Format(time.DateTime))
	return nil
}
