package models

import (
	"encoding/json"
	"time"
)

type SubmissionStatus string

const (
	SubmissionStatusInProgress SubmissionStatus = "in_progress"
	SubmissionStatusSubmitted  SubmissionStatus = "submitted"
	SubmissionStatusGraded     SubmissionStatus = "graded"
	SubmissionStatusReturned   SubmissionStatus = "returned"
)

func (s SubmissionStatus) String() string {
	return string(s)
}

type Submission struct {
	ID              string           `json:"id" db:"id"`
	AssignmentID    string           `json:"assignment_id" db:"assignment_id"`
	ParticipantID   string           `json:"participant_id" db:"participant_id"`
	ParticipantName string           `json:"participant_name" db:"participant_name"`
	Status          SubmissionStatus `json:"status" db:"status"`
	DataPoints      []DataPoint      `json:"data_points"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// DataPoint returns the data point with the given sequence or nil.
func (s *Submission) DataPoint(sequence int) *DataPoint {
	for i := range s.DataPoints {
		if s.DataPoints[i].Sequence == sequence {
			return &s.DataPoints[i]
		}
	}
	return nil
}

func (s *Submission) HasProcessingFields() bool {
	for _, dp := range s.DataPoints {
		for _, f := range dp.Fields {
			if f.Status == EnrichmentStatusProcessing {
				return true
			}
		}
	}
	return false
}

type DataPoint struct {
	Sequence   int       `json:"sequence" db:"sequence"`
	UploadedAt time.Time `json:"uploaded_at" db:"uploaded_at"`
	Fields     []Field   `json:"fields"`
}

func (d *DataPoint) Field(name string) *Field {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i]
		}
	}
	return nil
}

type Field struct {
	Name        string           `json:"name" db:"name"`
	Type        FieldType        `json:"type" db:"field_type"`
	RawValue    json.RawMessage  `json:"raw_value,omitempty" db:"raw_value"`
	MediaRef    string           `json:"media_ref,omitempty" db:"media_ref"`
	MimeType    string           `json:"mime_type,omitempty" db:"mime_type"`
	Eligible    bool             `json:"eligible" db:"eligible"`
	Prompt      string           `json:"prompt,omitempty" db:"prompt"`
	Status      EnrichmentStatus `json:"status" db:"status"`
	Result      json.RawMessage  `json:"result,omitempty" db:"result"`
	Error       string           `json:"error,omitempty" db:"error_message"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty" db:"processed_at"`
	// RetryAt is set while a failed field waits for its automatic retry.
	RetryAt   *time.Time `json:"retry_at,omitempty" db:"retry_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

func (f *Field) RetryScheduled(now time.Time) bool {
	return retryScheduled(f.Status, f.RetryAt, now)
}

// FieldRef addresses a single field together with its enrichment state.
// It is the row shape returned by operational listings.
type FieldRef struct {
	SubmissionID string           `json:"submission_id"`
	AssignmentID string           `json:"assignment_id"`
	Sequence     int              `json:"sequence"`
	FieldName    string           `json:"field_name"`
	MediaRef     string           `json:"media_ref,omitempty"`
	Prompt       string           `json:"prompt,omitempty"`
	Status       EnrichmentStatus `json:"status"`
	Error        string           `json:"error,omitempty"`
	RetryAt      *time.Time       `json:"retry_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func (r *FieldRef) RetryScheduled(now time.Time) bool {
	return retryScheduled(r.Status, r.RetryAt, now)
}

func retryScheduled(status EnrichmentStatus, retryAt *time.Time, now time.Time) bool {
	return status == EnrichmentStatusFailed && retryAt != nil && now.Before(*retryAt)
}

type FieldType string

const (
	FieldTypeText   FieldType = "text"
	FieldTypeNumber FieldType = "number"
	FieldTypeChoice FieldType = "choice"
	FieldTypeImage  FieldType = "image"
	FieldTypeVideo  FieldType = "video"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeText, FieldTypeNumber, FieldTypeChoice, FieldTypeImage, FieldTypeVideo:
		return true
	}
	return false
}

func (t FieldType) IsMedia() bool {
	return t == FieldTypeImage || t == FieldTypeVideo
}
