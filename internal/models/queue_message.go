package models

import "encoding/json"

// EventMessage is published to the event queue for every stored inbound event.
type EventMessage struct {
	EventID           string          `json:"event_id"`
	AccountExternalID string          `json:"account_external_id"`
	Payload           json.RawMessage `json:"payload"`
}

// JobMessage is published to the campaign queue, one per campaign job.
type JobMessage struct {
	JobID string `json:"job_id"`
}
