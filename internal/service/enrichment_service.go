package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/RubachokBoss/practicum-enrichment/internal/auth"
	"github.com/RubachokBoss/practicum-enrichment/internal/models"
	"github.com/RubachokBoss/practicum-enrichment/internal/repository"
	"github.com/RubachokBoss/practicum-enrichment/internal/worker/queue"
)

const stalledFieldError = "worker interrupted: processing stalled"

// EnrichmentService is the operational side of the pipeline: listing field
// states and putting failed or stuck fields back on the queue.
type EnrichmentService interface {
	ListEnrichments(ctx context.Context, p auth.Principal, filter models.EnrichmentFilter) ([]models.FieldRef, error)
	RetryField(ctx context.Context, p auth.Principal, submissionID string, sequence int, name string) (*models.Field, error)
	RetryFailed(ctx context.Context, p auth.Principal, submissionID string) (*models.RetryResponse, error)
	RequeuePending(ctx context.Context, p auth.Principal, olderThan time.Duration) (*models.RetryResponse, error)
	ListJobRecords(ctx context.Context, p auth.Principal, outcome models.JobOutcome, limit int) ([]models.JobRecord, error)
}

type enrichmentService struct {
	submissions  repository.SubmissionRepository
	queue        queue.JobQueue
	ledger       repository.JobLedger
	access       *AccessService
	requeueAfter time.Duration
	logger       zerolog.Logger
}

func NewEnrichmentService(
	submissions repository.SubmissionRepository,
	jobQueue queue.JobQueue,
	ledger repository.JobLedger,
	access *AccessService,
	requeueAfter time.Duration,
	logger zerolog.Logger,
) EnrichmentService {
	if requeueAfter <= 0 {
		requeueAfter = 15 * time.Minute
	}
	return &enrichmentService{
		submissions:  submissions,
		queue:        jobQueue,
		ledger:       ledger,
		access:       access,
		requeueAfter: requeueAfter,
		logger:       logger,
	}
}

// ListEnrichments is open to admins across all submissions. Anyone else has to
// name a submission they can read.
func (s *enrichmentService) ListEnrichments(ctx context.Context, p auth.Principal, filter models.EnrichmentFilter) ([]models.FieldRef, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, st)
		}
	}

	if !p.IsAdmin() {
		if filter.SubmissionID == "" {
			return nil, ErrForbidden
		}
		sub, err := s.submissions.GetByID(ctx, filter.SubmissionID)
		if err != nil {
			return nil, err
		}
		if err := s.access.RequireSupervisor(ctx, p, sub.AssignmentID); err != nil {
			return nil, err
		}
	}

	refs, err := s.submissions.ListFields(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrichments: %w", err)
	}
	return refs, nil
}

func (s *enrichmentService) RetryField(ctx context.Context, p auth.Principal, submissionID string, sequence int, name string) (*models.Field, error) {
	sub, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if err := s.access.CanRead(ctx, p, sub); err != nil {
		return nil, err
	}

	current, err := s.submissions.GetField(ctx, submissionID, sequence, name)
	if err != nil {
		return nil, err
	}
	if current.RetryScheduled(time.Now()) {
		return nil, ErrRetryScheduled
	}

	field, err := s.submissions.TransitionField(ctx, repository.FieldTransition{
		SubmissionID: submissionID,
		Sequence:     sequence,
		FieldName:    name,
		From:         models.EnrichmentStatusFailed,
		To:           models.EnrichmentStatusPending,
	})
	if errors.Is(err, repository.ErrStaleTransition) {
		return nil, fmt.Errorf("%w: %w", ErrNotRetryable, err)
	}
	if err != nil {
		return nil, err
	}

	if err := s.enqueue(ctx, sub.ID, sub.AssignmentID, sequence, field); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("submission_id", submissionID).
		Int("sequence", sequence).
		Str("field", name).
		Str("requested_by", p.UserID).
		Msg("Field queued for manual retry")

	return field, nil
}

func (s *enrichmentService) RetryFailed(ctx context.Context, p auth.Principal, submissionID string) (*models.RetryResponse, error) {
	if err := RequireAdmin(p); err != nil {
		return nil, err
	}

	refs, err := s.submissions.ListFields(ctx, models.EnrichmentFilter{
		Statuses:     []models.EnrichmentStatus{models.EnrichmentStatusFailed},
		SubmissionID: submissionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list failed fields: %w", err)
	}

	now := time.Now()
	resp := &models.RetryResponse{}
	for _, ref := range refs {
		if ref.RetryScheduled(now) {
			resp.Skipped++
			continue
		}
		field, err := s.submissions.TransitionField(ctx, repository.FieldTransition{
			SubmissionID: ref.SubmissionID,
			Sequence:     ref.Sequence,
			FieldName:    ref.FieldName,
			From:         models.EnrichmentStatusFailed,
			To:           models.EnrichmentStatusPending,
		})
		if errors.Is(err, repository.ErrStaleTransition) {
			resp.Skipped++
			continue
		}
		if err != nil {
			resp.Failures = append(resp.Failures, refKey(ref))
			continue
		}
		if err := s.enqueue(ctx, ref.SubmissionID, ref.AssignmentID, ref.Sequence, field); err != nil {
			resp.Failures = append(resp.Failures, refKey(ref))
			continue
		}
		resp.Requeued++
	}

	s.logger.Info().
		Str("submission_id", submissionID).
		Int("requeued", resp.Requeued).
		Int("skipped", resp.Skipped).
		Int("failures", len(resp.Failures)).
		Msg("Failed enrichments requeued")

	return resp, nil
}

// RequeuePending puts back on the queue every pending field that has waited
// longer than olderThan, and every processing field whose worker went away.
// Stalled processing fields are first moved to failed so a worker can claim
// them again.
func (s *enrichmentService) RequeuePending(ctx context.Context, p auth.Principal, olderThan time.Duration) (*models.RetryResponse, error) {
	if err := RequireAdmin(p); err != nil {
		return nil, err
	}
	if olderThan <= 0 {
		olderThan = s.requeueAfter
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	refs, err := s.submissions.ListFields(ctx, models.EnrichmentFilter{
		Statuses:      []models.EnrichmentStatus{models.EnrichmentStatusPending, models.EnrichmentStatusProcessing},
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale fields: %w", err)
	}

	resp := &models.RetryResponse{}
	for _, ref := range refs {
		field := &models.Field{Name: ref.FieldName, MediaRef: ref.MediaRef, Prompt: ref.Prompt}
		if ref.Status == models.EnrichmentStatusProcessing {
			field, err = s.submissions.TransitionField(ctx, repository.FieldTransition{
				SubmissionID: ref.SubmissionID,
				Sequence:     ref.Sequence,
				FieldName:    ref.FieldName,
				From:         models.EnrichmentStatusProcessing,
				To:           models.EnrichmentStatusFailed,
				Error:        stalledFieldError,
			})
			if errors.Is(err, repository.ErrStaleTransition) {
				resp.Skipped++
				continue
			}
			if err != nil {
				resp.Failures = append(resp.Failures, refKey(ref))
				continue
			}
		}
		if err := s.enqueue(ctx, ref.SubmissionID, ref.AssignmentID, ref.Sequence, field); err != nil {
			resp.Failures = append(resp.Failures, refKey(ref))
			continue
		}
		resp.Requeued++
	}

	s.logger.Info().
		Dur("older_than", olderThan).
		Int("requeued", resp.Requeued).
		Int("skipped", resp.Skipped).
		Int("failures", len(resp.Failures)).
		Msg("Stale enrichments requeued")

	return resp, nil
}

func (s *enrichmentService) ListJobRecords(ctx context.Context, p auth.Principal, outcome models.JobOutcome, limit int) ([]models.JobRecord, error) {
	if err := RequireAdmin(p); err != nil {
		return nil, err
	}
	switch outcome {
	case "", models.JobOutcomeCompleted, models.JobOutcomeFailed, models.JobOutcomeRetrying, models.JobOutcomeAbandoned:
	default:
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrValidation, outcome)
	}

	records, err := s.ledger.List(ctx, outcome, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}
	return records, nil
}

func (s *enrichmentService) enqueue(ctx context.Context, submissionID, assignmentID string, sequence int, field *models.Field) error {
	err := s.queue.Enqueue(ctx, models.EnrichmentJob{
		SubmissionID: submissionID,
		AssignmentID: assignmentID,
		Sequence:     sequence,
		FieldName:    field.Name,
		MediaRef:     field.MediaRef,
		Prompt:       field.Prompt,
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("submission_id", submissionID).
			Int("sequence", sequence).
			Str("field", field.Name).
			Msg("Failed to enqueue enrichment job")
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func refKey(ref models.FieldRef) string {
	return fmt.Sprintf("%s:%d:%s", ref.SubmissionID, ref.Sequence, ref.FieldName)
}
