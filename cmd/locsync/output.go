package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"golang.org/x/term"

	"github.com/TheMichaelB/locsync/internal/models"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	dimColor     = color.New(color.Faint)
)

// configureColor disables color when stdout is not a terminal or the log
// config turns it off.
func configureColor(enabled bool) {
	if jsonOutput || !enabled || !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
}

func printSuccess(format string, args ...interface{}) {
	if jsonOutput {
		return
	}
	_, _ = successColor.Printf(format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	if jsonOutput {
		printJSON(map[string]string{"error": fmt.Sprintf(format, args...)})
		return
	}
	_, _ = errorColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	if jsonOutput {
		return
	}
	_, _ = warningColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	if jsonOutput {
		return
	}
	_, _ = infoColor.Printf(format+"\n", args...)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func stateColor(s models.SyncState) *color.Color {
	switch s {
	case models.StateSynced:
		return successColor
	case models.StateFailed:
		return errorColor
	case models.StateInFlight:
		return infoColor
	default:
		return warningColor
	}
}

func trackingColor(s models.TrackingState) *color.Color {
	switch s {
	case models.TrackingActive:
		return successColor
	case models.TrackingDegraded:
		return errorColor
	case models.TrackingStopped:
		return dimColor
	default:
		return warningColor
	}
}

// printSamples writes one line per sample.
func printSamples(samples []models.Sample) {
	if len(samples) == 0 {
		printInfo("No samples")
		return
	}

	for _, s := range samples {
		line := fmt.Sprintf("%-36s  %s  %10.5f %11.5f",
			s.ID, s.CapturedAt.Local().Format(time.DateTime), s.Latitude, s.Longitude)
		status := stateColor(s.State).Sprintf("%-9s", s.State)

		var extra []string
		if s.Attempts > 0 {
			extra = append(extra, fmt.Sprintf("attempts=%d", s.Attempts))
		}
		if s.Owner != "" {
			extra = append(extra, "owner="+s.Owner)
		}
		if s.LastError != "" {
			extra = append(extra, dimColor.Sprint(s.LastError))
		}
		fmt.Printf("%s  %s  %s\n", line, status, strings.Join(extra, " "))
	}
}
