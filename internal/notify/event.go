package notify

import (
	"encoding/json"
	"time"
)

// StatusEvent is the payload emitted to subscribers after every successful
// ledger transition.
type StatusEvent struct {
	DocumentID   string    `json:"documentId"`
	UserID       string    `json:"userId"`
	State        string    `json:"state"`
	Progress     int       `json:"progress"`
	ErrorMessage *string   `json:"errorMessage"`
	OccurredAt   time.Time `json:"occurredAt"`
	Version      int       `json:"version"`
}

// EventVersion is the payload version written by this build.
const EventVersion = 1

// EncodeEvent returns the JSON representation of an event.
func EncodeEvent(ev StatusEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeEvent parses a JSON payload into a StatusEvent.
func DecodeEvent(payload []byte) (StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return StatusEvent{}, err
	}
	return ev, nil
}
