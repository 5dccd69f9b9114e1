package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/locsync/internal/models"
	"github.com/TheMichaelB/locsync/internal/transport"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the event stream of a running locsync",
	Long: `Watch connects to the display server of a running "locsync run" and
prints tracking, queue and history events as they happen.`,
	Example: `  locsync watch
  locsync watch --url ws://10.0.0.5:8787/api/events`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var watchURL string

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVarP(&watchURL, "url", "u", "",
		"Event stream URL (default: ws://<display.listen>/api/events)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	url := watchURL
	if url == "" {
		url = "ws://" + cfg.Display.Listen + "/api/events"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stream := transport.NewStreamClient(url, logger)
	if err := stream.Connect(ctx); err != nil {
		return err
	}
	defer stream.Close()

	printInfo("Watching %s (Ctrl-C to stop)", url)

	errs := stream.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return fmt.Errorf("event stream: %w", err)
		case msg, ok := <-stream.Messages():
			if !ok {
				printWarning("Event stream closed")
				return nil
			}
			printStreamMessage(msg)
		}
	}
}

func printStreamMessage(msg models.StreamMessage) {
	if jsonOutput {
		printJSON(msg)
		return
	}

	ts := msg.Timestamp.Local().Format(time.TimeOnly)

	switch msg.Type {
	case models.StreamTypeSnapshot:
		if msg.Session != nil {
			fmt.Printf("%s  tracking %s\n", dimColor.Sprint(ts),
				trackingColor(msg.Session.State).Sprint(msg.Session.State))
		}
	case models.StreamTypeEvent:
		if msg.Event != nil {
			fmt.Printf("%s  %s\n", dimColor.Sprint(ts), describeEvent(msg.Event))
		}
	}
}

func describeEvent(e *models.StreamEvent) string {
	parts := []string{infoColor.Sprintf("%-20s", e.Kind)}

	if e.Session != nil {
		parts = append(parts, trackingColor(e.Session.State).Sprint(e.Session.State))
	}
	if e.Lifecycle != "" {
		parts = append(parts, string(e.Lifecycle))
	}
	if e.Sample != nil {
		parts = append(parts, fmt.Sprintf("%s (%.5f, %.5f)", e.Sample.ID, e.Sample.Latitude, e.Sample.Longitude))
	}
	if len(e.SampleIDs) > 0 {
		parts = append(parts, fmt.Sprintf("%d samples", len(e.SampleIDs)))
	} else if e.Count > 0 {
		parts = append(parts, fmt.Sprintf("%d samples", e.Count))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt %d", e.Attempt))
	}
	if e.DelayMS > 0 {
		parts = append(parts, "retry in "+(time.Duration(e.DelayMS)*time.Millisecond).String())
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if e.Code != "" {
		parts = append(parts, errorColor.Sprint(e.Code))
	}
	if e.Error != "" {
		parts = append(parts, dimColor.Sprint(e.Error))
	}
	return strings.Join(parts, "  ")
}
