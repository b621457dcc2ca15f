package models

import (
	"encoding/json"
	"time"
)

// Data Transfer Objects

type CreateSubmissionRequest struct {
	AssignmentID    string `json:"assignment_id" validate:"required"`
	ParticipantName string `json:"participant_name"`
}

type FieldInput struct {
	Name     string          `json:"name" validate:"required"`
	Type     FieldType       `json:"type" validate:"required"`
	RawValue json.RawMessage `json:"raw_value,omitempty"`
	MediaRef string          `json:"media_ref,omitempty"`
	MimeType string          `json:"mime_type,omitempty"`
}

type SubmitDataPointRequest struct {
	Sequence int          `json:"sequence" validate:"min=1"`
	Fields   []FieldInput `json:"fields" validate:"required"`
}

type SubmitDataPointResponse struct {
	SubmissionID    string    `json:"submission_id"`
	DataPoint       DataPoint `json:"data_point"`
	Enqueued        int       `json:"enqueued"`
	EnqueueFailures []string  `json:"enqueue_failures,omitempty"`
}

type UpsertAssignmentRequest struct {
	Title         string        `json:"title"`
	SupervisorIDs []string      `json:"supervisor_ids"`
	Fields        []FieldSchema `json:"fields"`
}

type UploadMediaResponse struct {
	MediaRef string `json:"media_ref"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

type EnrichmentFilter struct {
	Statuses      []EnrichmentStatus `json:"statuses,omitempty"`
	SubmissionID  string             `json:"submission_id,omitempty"`
	UpdatedBefore *time.Time         `json:"updated_before,omitempty"`
	Limit         int                `json:"limit,omitempty"`
}

type RetryEnrichmentsRequest struct {
	SubmissionID string `json:"submission_id,omitempty"`
}

type RequeuePendingRequest struct {
	OlderThan string `json:"older_than,omitempty"`
}

type RetryResponse struct {
	Requeued int      `json:"requeued"`
	Skipped  int      `json:"skipped"`
	Failures []string `json:"failures,omitempty"`
}

type SubmissionSummary struct {
	ID              string           `json:"id"`
	AssignmentID    string           `json:"assignment_id"`
	ParticipantID   string           `json:"participant_id"`
	ParticipantName string           `json:"participant_name"`
	Status          SubmissionStatus `json:"status"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type SubmissionsResponse struct {
	Submissions []SubmissionSummary `json:"submissions"`
	Total       int                 `json:"total"`
	Page        int                 `json:"page"`
	Limit       int                 `json:"limit"`
}
