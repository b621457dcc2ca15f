package models

import (
	"fmt"
	"time"
)

// EnrichmentStatus is the lifecycle of a single field's external analysis.
type EnrichmentStatus string

const (
	EnrichmentStatusNotApplicable EnrichmentStatus = "not_applicable"
	EnrichmentStatusPending       EnrichmentStatus = "pending"
	EnrichmentStatusProcessing    EnrichmentStatus = "processing"
	EnrichmentStatusCompleted     EnrichmentStatus = "completed"
	EnrichmentStatusFailed        EnrichmentStatus = "failed"
)

func (s EnrichmentStatus) String() string {
	return string(s)
}

func (s EnrichmentStatus) Valid() bool {
	switch s {
	case EnrichmentStatusNotApplicable, EnrichmentStatusPending, EnrichmentStatusProcessing,
		EnrichmentStatusCompleted, EnrichmentStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no automatic transition leaves the status.
// failed is terminal for a single attempt; leaving it requires a retry.
func (s EnrichmentStatus) IsTerminal() bool {
	switch s {
	case EnrichmentStatusNotApplicable, EnrichmentStatusCompleted, EnrichmentStatusFailed:
		return true
	}
	return false
}

type statusTransition struct {
	from EnrichmentStatus
	to   EnrichmentStatus
}

var allowedTransitions = map[statusTransition]struct{}{
	{from: EnrichmentStatusPending, to: EnrichmentStatusProcessing}:   {},
	{from: EnrichmentStatusFailed, to: EnrichmentStatusProcessing}:    {},
	{from: EnrichmentStatusProcessing, to: EnrichmentStatusCompleted}: {},
	{from: EnrichmentStatusProcessing, to: EnrichmentStatusFailed}:    {},
	{from: EnrichmentStatusFailed, to: EnrichmentStatusPending}:       {},
}

// CanTransition reports whether from -> to is an edge of the field state machine.
func CanTransition(from, to EnrichmentStatus) bool {
	_, ok := allowedTransitions[statusTransition{from: from, to: to}]
	return ok
}

// EnrichmentJob is the queue payload. Only SubmissionID, AssignmentID, Sequence and
// FieldName address the target; everything else is re-read from the store.
type EnrichmentJob struct {
	SubmissionID string    `json:"submission_id"`
	AssignmentID string    `json:"assignment_id"`
	Sequence     int       `json:"sequence"`
	FieldName    string    `json:"field_name"`
	MediaRef     string    `json:"media_ref"`
	Prompt       string    `json:"prompt"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

func (j EnrichmentJob) Key() string {
	return fmt.Sprintf("%s:%d:%s", j.SubmissionID, j.Sequence, j.FieldName)
}

func (j EnrichmentJob) HasAttemptsLeft() bool {
	return j.Attempt < j.MaxAttempts
}

type JobOutcome string

const (
	JobOutcomeCompleted JobOutcome = "completed"
	JobOutcomeFailed    JobOutcome = "failed"
	JobOutcomeRetrying  JobOutcome = "retrying"
	JobOutcomeAbandoned JobOutcome = "abandoned"
)

// JobRecord is a retained diagnostic entry for one delivery attempt.
type JobRecord struct {
	Key          string     `json:"key"`
	SubmissionID string     `json:"submission_id"`
	Sequence     int        `json:"sequence"`
	FieldName    string     `json:"field_name"`
	Attempt      int        `json:"attempt"`
	MaxAttempts  int        `json:"max_attempts"`
	Outcome      JobOutcome `json:"outcome"`
	Error        string     `json:"error,omitempty"`
	FinishedAt   time.Time  `json:"finished_at"`
}

func NewJobRecord(job EnrichmentJob, outcome JobOutcome, err error) JobRecord {
	rec := JobRecord{
		Key:          job.Key(),
		SubmissionID: job.SubmissionID,
		Sequence:     job.Sequence,
		FieldName:    job.FieldName,
		Attempt:      job.Attempt,
		MaxAttempts:  job.MaxAttempts,
		Outcome:      outcome,
		FinishedAt:   time.Now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
