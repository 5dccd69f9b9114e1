package models

import "time"

// TrackingState is a position of the tracking state machine.
type TrackingState string

const (
	TrackingStopped  TrackingState = "stopped"
	TrackingStarting TrackingState = "starting"
	TrackingActive   TrackingState = "active"
	TrackingStopping TrackingState = "stopping"
	TrackingDegraded TrackingState = "degraded"
)

// Enabled reports whether tracking is on or on its way there.
func (s TrackingState) Enabled() bool {
	return s == TrackingStarting || s == TrackingActive || s == TrackingDegraded
}

// TrackingSession is an immutable snapshot of the controller state.
type TrackingSession struct {
	State     TrackingState `json:"state"`
	Since     time.Time     `json:"since"`
	LastError string        `json:"last_error,omitempty"`
}

// Lifecycle is a provider run state report.
type Lifecycle string

const (
	LifecycleStarted Lifecycle = "started"
	LifecycleStopped Lifecycle = "stopped"
)
