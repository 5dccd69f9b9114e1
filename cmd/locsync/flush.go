package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/locsync/internal/client"
	"github.com/TheMichaelB/locsync/internal/models"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Upload every pending sample now",
	Long: `Flush uploads the persisted pending samples in one pass, ignoring the
automatic sync settings and any retry hold.`,
	Args: cobra.NoArgs,
	RunE: runFlush,
}

var flushTimeout time.Duration

func init() {
	rootCmd.AddCommand(flushCmd)

	flushCmd.Flags().DurationVarP(&flushTimeout, "timeout", "t", 2*time.Minute,
		"Give up after this long")
}

func runFlush(cmd *cobra.Command, args []string) error {
	c, err := newClient(client.WithDisplay(false))
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	before := c.Queue.Stats()
	if before.Pending == 0 {
		printInfo("Nothing to flush")
		if jsonOutput {
			printJSON(before)
		}
		return nil
	}

	printInfo("Flushing %d pending samples...", before.Pending)
	start := time.Now()
	flushErr := c.Queue.Flush(ctx)
	after := c.Queue.Stats()

	if jsonOutput {
		out := map[string]interface{}{"stats": after}
		if flushErr != nil {
			out["error"] = flushErr.Error()
			out["code"] = models.ErrorCode(flushErr)
		}
		printJSON(out)
		return flushErr
	}

	printInfo("\n📊 Flush Summary:")
	printInfo("   Synced:   %d", after.Synced)
	printInfo("   Pending:  %d", after.Pending)
	printInfo("   Failed:   %d", after.Failed)
	printInfo("   Duration: %s", time.Since(start).Round(time.Millisecond))

	if flushErr != nil {
		return flushErr
	}
	printSuccess("\n✅ Flush completed")
	return nil
}
