package repository

import "errors"

var (
	ErrSubmissionNotFound  = errors.New("submission not found")
	ErrDuplicateSubmission = errors.New("submission already exists for this participant")
	ErrSubmissionLocked    = errors.New("submission is not in progress")
	ErrFieldNotFound       = errors.New("field not found")
	ErrFieldsProcessing    = errors.New("submission has fields still processing")
	ErrAssignmentNotFound  = errors.New("assignment not found")

	// ErrStaleTransition means the field was not in the expected status.
	// Another actor won the race; callers log it and move on.
	ErrStaleTransition = errors.New("stale field transition")

	// ErrInvalidTransition means the requested edge is not part of the
	// enrichment state machine.
	ErrInvalidTransition = errors.New("invalid field transition")
)
