package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/locsync/internal/client"
	"github.com/TheMichaelB/locsync/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List persisted samples",
	Example: `  locsync queue
  locsync queue --state failed --json`,
	Args: cobra.NoArgs,
	RunE: runQueue,
}

var (
	queueState    string
	queueMaintain bool
)

func init() {
	rootCmd.AddCommand(queueCmd)

	queueCmd.Flags().StringVarP(&queueState, "state", "s", "",
		"Only show samples in this state (pending, in_flight, synced, failed)")
	queueCmd.Flags().BoolVar(&queueMaintain, "maintain", false,
		"Apply the retention policy before listing")
}

func runQueue(cmd *cobra.Command, args []string) error {
	filter := models.SyncState(queueState)
	if queueState != "" && !filter.Valid() {
		return fmt.Errorf("unknown state %q", queueState)
	}

	c, err := newClient(client.WithDisplay(false))
	if err != nil {
		return err
	}
	defer c.Close()

	if queueMaintain {
		res := c.Queue.Maintain()
		if n := res.Removed(); n > 0 {
			printWarning("Removed %d samples", n)
		}
	}

	samples := c.Queue.Snapshot()
	if filter != "" {
		kept := samples[:0]
		for _, s := range samples {
			if s.State == filter {
				kept = append(kept, s)
			}
		}
		samples = kept
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"stats":   c.Queue.Stats(),
			"samples": samples,
		})
		return nil
	}

	printSamples(samples)
	stats := c.Queue.Stats()
	printInfo("\n%d total: %d pending, %d in flight, %d synced, %d failed",
		stats.Total, stats.Pending, stats.InFlight, stats.Synced, stats.Failed)
	return nil
}
