package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/practicum-enrichment/internal/auth"
	"github.com/RubachokBoss/practicum-enrichment/internal/models"
	"github.com/RubachokBoss/practicum-enrichment/internal/repository"
	"github.com/RubachokBoss/practicum-enrichment/internal/service/integration"
	"github.com/RubachokBoss/practicum-enrichment/internal/worker/queue"
)

type IngestionService interface {
	UpsertAssignment(ctx context.Context, p auth.Principal, id string, req *models.UpsertAssignmentRequest) (*models.Assignment, error)
	CreateSubmission(ctx context.Context, p auth.Principal, req *models.CreateSubmissionRequest) (*models.Submission, error)
	GetSubmission(ctx context.Context, p auth.Principal, id string) (*models.Submission, error)
	ListAssignmentSubmissions(ctx context.Context, p auth.Principal, assignmentID string, page, limit int) (*models.SubmissionsResponse, error)
	SubmitDataPoint(ctx context.Context, p auth.Principal, submissionID string, req *models.SubmitDataPointRequest) (*models.SubmitDataPointResponse, error)
	GetField(ctx context.Context, p auth.Principal, submissionID string, sequence int, name string) (*models.Field, error)
	Finalize(ctx context.Context, p auth.Principal, submissionID string) (*models.Submission, error)
	UploadMedia(ctx context.Context, p auth.Principal, data []byte, fileName, contentType string) (*models.UploadMediaResponse, error)
}

type ingestionService struct {
	submissions repository.SubmissionRepository
	assignments repository.AssignmentRepository
	queue       queue.JobQueue
	storage     integration.StorageClient
	access      *AccessService
	prompts     PromptTable
	logger      zerolog.Logger
}

func NewIngestionService(
	submissions repository.SubmissionRepository,
	assignments repository.AssignmentRepository,
	jobQueue queue.JobQueue,
	storage integration.StorageClient,
	access *AccessService,
	prompts PromptTable,
	logger zerolog.Logger,
) IngestionService {
	return &ingestionService{
		submissions: submissions,
		assignments: assignments,
		queue:       jobQueue,
		storage:     storage,
		access:      access,
		prompts:     prompts,
		logger:      logger,
	}
}

func (s *ingestionService) UpsertAssignment(ctx context.Context, p auth.Principal, id string, req *models.UpsertAssignmentRequest) (*models.Assignment, error) {
	if err := RequireAdmin(p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: assignment id is required", ErrValidation)
	}

	seen := make(map[string]bool, len(req.Fields))
	for _, f := range req.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("%w: schema field name is required", ErrValidation)
		}
		if !f.Type.Valid() {
			return nil, fmt.Errorf("%w: schema field %q has unknown type %q", ErrValidation, f.Name, f.Type)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("%w: schema field %q declared twice", ErrValidation, f.Name)
		}
		seen[f.Name] = true
	}

	now := time.Now().UTC()
	assignment := &models.Assignment{
		ID:            id,
		Title:         req.Title,
		SupervisorIDs: req.SupervisorIDs,
		Fields:        req.Fields,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.assignments.Upsert(ctx, assignment); err != nil {
		return nil, fmt.Errorf("failed to save assignment: %w", err)
	}

	s.logger.Info().
		Str("assignment_id", id).
		Int("fields", len(req.Fields)).
		Int("supervisors", len(req.SupervisorIDs)).
		Msg("Assignment schema saved")

	return assignment, nil
}

func (s *ingestionService) CreateSubmission(ctx context.Context, p auth.Principal, req *models.CreateSubmissionRequest) (*models.Submission, error) {
	if p.Role != auth.RoleParticipant {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(req.AssignmentID) == "" {
		return nil, fmt.Errorf("%w: assignment_id is required", ErrValidation)
	}
	if _, err := s.assignments.GetByID(ctx, req.AssignmentID); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.ParticipantName)
	if name == "" {
		name = p.Name
	}

	now := time.Now().UTC()
	sub := &models.Submission{
		ID:              uuid.New().String(),
		AssignmentID:    req.AssignmentID,
		ParticipantID:   p.UserID,
		ParticipantName: name,
		Status:          models.SubmissionStatusInProgress,
		DataPoints:      []models.DataPoint{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.submissions.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("submission_id", sub.ID).
		Str("assignment_id", sub.AssignmentID).
		Str("participant_id", sub.ParticipantID).
		Msg("Submission created")

	return sub, nil
}

func (s *ingestionService) GetSubmission(ctx context.Context, p auth.Principal, id string) (*models.Submission, error) {
	sub, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.access.CanRead(ctx, p, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *ingestionService) ListAssignmentSubmissions(ctx context.Context, p auth.Principal, assignmentID string, page, limit int) (*models.SubmissionsResponse, error) {
	if err := s.access.RequireSupervisor(ctx, p, assignmentID); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	summaries, total, err := s.submissions.ListByAssignment(ctx, assignmentID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}

	return &models.SubmissionsResponse{
		Submissions: summaries,
		Total:       total,
		Page:        page,
		Limit:       limit,
	}, nil
}

// SubmitDataPoint stores the data point and enqueues one job per eligible
// field. A failed enqueue leaves the field pending and is reported in the
// response; requeue-pending picks it up later.
func (s *ingestionService) SubmitDataPoint(ctx context.Context, p auth.Principal, submissionID string, req *models.SubmitDataPointRequest) (*models.SubmitDataPointResponse, error) {
	if req.Sequence < 1 {
		return nil, fmt.Errorf("%w: sequence must be >= 1", ErrValidation)
	}
	if len(req.Fields) == 0 {
		return nil, fmt.Errorf("%w: at least one field is required", ErrValidation)
	}

	sub, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if err := s.access.RequireOwner(p, sub); err != nil {
		return nil, err
	}
	if sub.Status != models.SubmissionStatusInProgress {
		return nil, repository.ErrSubmissionLocked
	}

	assignment, err := s.assignments.GetByID(ctx, sub.AssignmentID)
	if err != nil {
		return nil, err
	}

	fields, err := s.buildFields(p, assignment, req.Fields)
	if err != nil {
		return nil, err
	}

	dp, err := s.submissions.UpsertDataPoint(ctx, submissionID, req.Sequence, fields)
	if err != nil {
		return nil, err
	}

	resp := &models.SubmitDataPointResponse{SubmissionID: submissionID, DataPoint: *dp}
	for _, f := range dp.Fields {
		if f.Status != models.EnrichmentStatusPending {
			continue
		}
		err := s.queue.Enqueue(ctx, models.EnrichmentJob{
			SubmissionID: submissionID,
			AssignmentID: sub.AssignmentID,
			Sequence:     dp.Sequence,
			FieldName:    f.Name,
			MediaRef:     f.MediaRef,
			Prompt:       f.Prompt,
		})
		if err != nil {
			s.logger.Error().Err(err).
				Str("submission_id", submissionID).
				Int("sequence", dp.Sequence).
				Str("field", f.Name).
				Msg("Failed to enqueue enrichment job")
			resp.EnqueueFailures = append(resp.EnqueueFailures, f.Name)
			continue
		}
		resp.Enqueued++
	}

	s.logger.Info().
		Str("submission_id", submissionID).
		Int("sequence", dp.Sequence).
		Int("fields", len(dp.Fields)).
		Int("enqueued", resp.Enqueued).
		Msg("Data point stored")

	return resp, nil
}

func (s *ingestionService) buildFields(p auth.Principal, assignment *models.Assignment, inputs []models.FieldInput) ([]models.Field, error) {
	fields := make([]models.Field, 0, len(inputs))
	seen := make(map[string]bool, len(inputs))
	mediaPrefix := fmt.Sprintf("media/%s/", p.UserID)

	for _, in := range inputs {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: field name is required", ErrValidation)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: field %q appears twice", ErrValidation, name)
		}
		seen[name] = true

		schema := assignment.FieldSchema(name)
		if schema == nil && len(assignment.Fields) > 0 {
			return nil, fmt.Errorf("%w: field %q is not part of the assignment", ErrValidation, name)
		}

		fieldType := in.Type
		if schema != nil {
			if fieldType == "" {
				fieldType = schema.Type
			}
			if fieldType != schema.Type {
				return nil, fmt.Errorf("%w: field %q must be %s", ErrValidation, name, schema.Type)
			}
		}
		if !fieldType.Valid() {
			return nil, fmt.Errorf("%w: field %q has unknown type %q", ErrValidation, name, fieldType)
		}

		field := models.Field{Name: name, Type: fieldType}

		if fieldType.IsMedia() {
			if in.MediaRef == "" {
				return nil, fmt.Errorf("%w: field %q needs a media_ref", ErrValidation, name)
			}
			if !strings.HasPrefix(in.MediaRef, mediaPrefix) {
				return nil, fmt.Errorf("%w: field %q references media you did not upload", ErrValidation, name)
			}
			field.MediaRef = in.MediaRef
			field.MimeType = in.MimeType
			field.Eligible = schema == nil || schema.Enrich == nil || *schema.Enrich
			if field.Eligible {
				field.Prompt = s.prompts.Resolve(schema, fieldType)
			}
		} else {
			if err := validateRawValue(name, fieldType, in.RawValue); err != nil {
				return nil, err
			}
			field.RawValue = in.RawValue
		}

		fields = append(fields, field)
	}
	return fields, nil
}

func validateRawValue(name string, fieldType models.FieldType, raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: field %q needs a raw_value", ErrValidation, name)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: field %q raw_value is not valid JSON", ErrValidation, name)
	}
	switch fieldType {
	case models.FieldTypeNumber:
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("%w: field %q must be a number", ErrValidation, name)
		}
	case models.FieldTypeText, models.FieldTypeChoice:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%w: field %q must be a string", ErrValidation, name)
		}
	}
	return nil
}

func (s *ingestionService) GetField(ctx context.Context, p auth.Principal, submissionID string, sequence int, name string) (*models.Field, error) {
	sub, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if err := s.access.CanRead(ctx, p, sub); err != nil {
		return nil, err
	}
	return s.submissions.GetField(ctx, submissionID, sequence, name)
}

func (s *ingestionService) Finalize(ctx context.Context, p auth.Principal, submissionID string) (*models.Submission, error) {
	sub, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if err := s.access.RequireOwner(p, sub); err != nil {
		return nil, err
	}

	finalized, err := s.submissions.Finalize(ctx, submissionID)
	if errors.Is(err, repository.ErrFieldsProcessing) {
		s.logger.Info().Str("submission_id", submissionID).Msg("Finalize refused while fields are processing")
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("submission_id", submissionID).Msg("Submission finalized")
	return finalized, nil
}

func (s *ingestionService) UploadMedia(ctx context.Context, p auth.Principal, data []byte, fileName, contentType string) (*models.UploadMediaResponse, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrValidation)
	}
	if !integration.SupportedMimeType(contentType) {
		return nil, fmt.Errorf("%w: unsupported media type %q", ErrValidation, contentType)
	}

	ref, err := s.storage.PutBytes(ctx, data, integration.MediaMetadata{
		FileName:    fileName,
		ContentType: contentType,
		OwnerID:     p.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store media: %w", err)
	}

	s.logger.Info().
		Str("media_ref", ref).
		Str("owner_id", p.UserID).
		Int("size", len(data)).
		Msg("Media uploaded")

	return &models.UploadMediaResponse{MediaRef: ref, MimeType: contentType, Size: int64(len(data))}, nil
}
