package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SyncState is the upload lifecycle position of a sample.
type SyncState string

const (
	StatePending  SyncState = "pending"
	StateInFlight SyncState = "in_flight"
	StateSynced   SyncState = "synced"
	StateFailed   SyncState = "failed"
)

// Valid reports whether s is a known sync state.
func (s SyncState) Valid() bool {
	switch s {
	case StatePending, StateInFlight, StateSynced, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether a sample may move from s to next.
// Only in_flight may step back, to pending, when an attempt fails.
func (s SyncState) CanTransition(next SyncState) bool {
	switch s {
	case StatePending:
		return next == StateInFlight
	case StateInFlight:
		return next == StatePending || next == StateSynced || next == StateFailed
	default:
		return false
	}
}

// Sample is one captured position reading.
type Sample struct {
	ID         string    `json:"id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
	Owner      string    `json:"owner"`

	// Optional readings, zero when the provider does not report them.
	Accuracy float64           `json:"accuracy,omitempty"`
	Altitude float64           `json:"altitude,omitempty"`
	Speed    float64           `json:"speed,omitempty"`
	Heading  float64           `json:"heading,omitempty"`
	IsMoving bool              `json:"is_moving,omitempty"`
	Extras   map[string]string `json:"extras,omitempty"`

	// Queue bookkeeping.
	State     SyncState `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	SyncedAt  time.Time `json:"synced_at,omitempty"`
}

// Validate checks identity and coordinate ranges.
func (s *Sample) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSample)
	}

	if math.IsNaN(s.Latitude) || s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidSample, s.Latitude)
	}

	if math.IsNaN(s.Longitude) || s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidSample, s.Longitude)
	}

	if s.CapturedAt.IsZero() {
		return fmt.Errorf("%w: captured_at is required", ErrInvalidSample)
	}

	if s.State != "" && !s.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidSample, s.State)
	}

	return nil
}

// Age returns how long ago the sample was captured.
func (s *Sample) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

// Terminal reports whether no further upload will be attempted.
func (s *Sample) Terminal() bool {
	return s.State == StateSynced || s.State == StateFailed
}

// Clone returns a deep copy.
func (s Sample) Clone() Sample {
	if s.Extras != nil {
		extras := make(map[string]string, len(s.Extras))
		for k, v := range s.Extras {
			extras[k] = v
		}
		s.Extras = extras
	}
	return s
}

// CloneSamples copies a slice of samples.
func CloneSamples(in []Sample) []Sample {
	if in == nil {
		return nil
	}
	out := make([]Sample, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
