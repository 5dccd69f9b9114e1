package models

import (
	"time"
)

// StreamMessageType defines event stream message types.
type StreamMessageType string

const (
	// Server to client
	StreamTypeEvent    StreamMessageType = "event"
	StreamTypeSnapshot StreamMessageType = "snapshot"

	// Both directions
	StreamTypePing StreamMessageType = "ping"
	StreamTypePong StreamMessageType = "pong"
)

// StreamMessage is one frame of the display event stream.
type StreamMessage struct {
	Type      StreamMessageType `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Event     *StreamEvent      `json:"event,omitempty"`
	Session   *TrackingSession  `json:"session,omitempty"`
}

// StreamEvent is the wire form of a bus event. Only fields relevant to Kind
// are set.
type StreamEvent struct {
	Kind      string           `json:"kind"`
	Time      time.Time        `json:"time"`
	SampleIDs []string         `json:"sample_ids,omitempty"`
	Sample    *Sample          `json:"sample,omitempty"`
	Lifecycle Lifecycle        `json:"lifecycle,omitempty"`
	Session   *TrackingSession `json:"session,omitempty"`
	Error     string           `json:"error,omitempty"`
	Code      string           `json:"code,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
	DelayMS   int64            `json:"delay_ms,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Count     int              `json:"count,omitempty"`
}
