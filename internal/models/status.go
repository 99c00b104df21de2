package models

import "time"

// Batch status event types.
const (
	StatusEventStarted     = "started"
	StatusEventTransformed = "transformed"
	StatusEventSkipped     = "skipped"
	StatusEventFailed      = "failed"
	StatusEventRejected    = "rejected"
)

// BatchStatusEvent describes a lifecycle update for one batch. Counts are only
// populated once the pipeline has produced them.
type BatchStatusEvent struct {
	EventID         string    `json:"event_id"`
	BlobID          string    `json:"blob_id"`
	Profile         string    `json:"profile,omitempty"`
	EventType       string    `json:"event_type"`
	State           string    `json:"state,omitempty"`
	Attempt         int       `json:"attempt,omitempty"`
	NumberOfRecords int       `json:"number_of_records"`
	FailedRecords   int       `json:"failed_records"`
	SentRecords     int       `json:"sent_records"`
	Phase           string    `json:"phase,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
