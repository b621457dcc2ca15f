package models

import (
	"encoding/json"
	"time"
)

const (
	EventFieldProcessing = "field-processing"
	EventFieldCompleted  = "field-completed"
	EventFieldFailed     = "field-failed"
)

// FieldEvent is what live viewers receive when a field changes enrichment status.
type FieldEvent struct {
	Event             string          `json:"event"`
	DataPointSequence int             `json:"dataPointSequence"`
	FieldName         string          `json:"fieldName"`
	Status            string          `json:"status"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Error             string          `json:"error,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// FailureDetails is carried as the payload of field-failed events.
type FailureDetails struct {
	Attempt     int  `json:"attempt"`
	MaxAttempts int  `json:"maxAttempts"`
	WillRetry   bool `json:"willRetry"`
}

func NewFieldEvent(event string, sequence int, field string, status EnrichmentStatus) FieldEvent {
	return FieldEvent{
		Event:             event,
		DataPointSequence: sequence,
		FieldName:         field,
		Status:            status.String(),
		Timestamp:         time.Now().UTC(),
	}
}
