package models

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// ParseStreamMessage parses a raw event stream frame.
func ParseStreamMessage(data []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse stream message: %w", err)
	}

	switch msg.Type {
	case StreamTypeEvent:
		if msg.Event == nil {
			return nil, fmt.Errorf("parse stream message: event frame without event")
		}
	case StreamTypeSnapshot, StreamTypePing, StreamTypePong:
	default:
		return nil, fmt.Errorf("parse stream message: unknown type %q", msg.Type)
	}

	return &msg, nil
}
