package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

type participantKey struct {
	assignmentID  string
	participantID string
}

// memorySubmissionRepository keeps submissions in process memory. Every read
// returns a deep copy so callers can never mutate stored state.
type memorySubmissionRepository struct {
	mu            sync.RWMutex
	submissions   map[string]*models.Submission
	byParticipant map[participantKey]string
}

func NewMemorySubmissionRepository() SubmissionRepository {
	return &memorySubmissionRepository{
		submissions:   make(map[string]*models.Submission),
		byParticipant: make(map[participantKey]string),
	}
}

func (r *memorySubmissionRepository) Create(_ context.Context, submission *models.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := participantKey{submission.AssignmentID, submission.ParticipantID}
	if _, exists := r.byParticipant[key]; exists {
		return ErrDuplicateSubmission
	}
	if _, exists := r.submissions[submission.ID]; exists {
		return ErrDuplicateSubmission
	}

	stored := cloneSubmission(submission)
	if stored.DataPoints == nil {
		stored.DataPoints = []models.DataPoint{}
	}
	r.submissions[stored.ID] = stored
	r.byParticipant[key] = stored.ID
	return nil
}

func (r *memorySubmissionRepository) GetByID(_ context.Context, id string) (*models.Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.submissions[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return cloneSubmission(s), nil
}

func (r *memorySubmissionRepository) GetByParticipant(ctx context.Context, assignmentID, participantID string) (*models.Submission, error) {
	r.mu.RLock()
	id, ok := r.byParticipant[participantKey{assignmentID, participantID}]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memorySubmissionRepository) ListByAssignment(_ context.Context, assignmentID string, limit, offset int) ([]models.SubmissionSummary, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Submission
	for _, s := range r.submissions {
		if s.AssignmentID == assignmentID {
			matched = append(matched, s)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + clampLimit(limit)
	if end > total {
		end = total
	}

	summaries := []models.SubmissionSummary{}
	for _, s := range matched[offset:end] {
		summaries = append(summaries, models.SubmissionSummary{
			ID:              s.ID,
			AssignmentID:    s.AssignmentID,
			ParticipantID:   s.ParticipantID,
			ParticipantName: s.ParticipantName,
			Status:          s.Status,
			UpdatedAt:       s.UpdatedAt,
		})
	}
	return summaries, total, nil
}

func (r *memorySubmissionRepository) UpsertDataPoint(_ context.Context, submissionID string, sequence int, fields []models.Field) (*models.DataPoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.submissions[submissionID]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	if s.Status != models.SubmissionStatusInProgress {
		return nil, ErrSubmissionLocked
	}

	now := time.Now().UTC()
	dp := newDataPoint(sequence, cloneFields(fields), now)

	if existing := s.DataPoint(sequence); existing != nil {
		*existing = *dp
	} else {
		s.DataPoints = append(s.DataPoints, *dp)
		sort.Slice(s.DataPoints, func(i, j int) bool {
			return s.DataPoints[i].Sequence < s.DataPoints[j].Sequence
		})
	}
	s.UpdatedAt = now

	return cloneDataPoint(dp), nil
}

func (r *memorySubmissionRepository) GetField(_ context.Context, submissionID string, sequence int, name string) (*models.Field, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f := r.lookupField(submissionID, sequence, name)
	if f == nil {
		return nil, ErrFieldNotFound
	}
	return cloneField(f), nil
}

func (r *memorySubmissionRepository) TransitionField(_ context.Context, t FieldTransition) (*models.Field, error) {
	if !models.CanTransition(t.From, t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f := r.lookupField(t.SubmissionID, t.Sequence, t.FieldName)
	if f == nil {
		return nil, ErrFieldNotFound
	}
	if f.Status != t.From {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStaleTransition, t.From, f.Status)
	}

	now := time.Now().UTC()
	result, errMsg, processedAt := t.columns(now)
	f.Status = t.To
	f.Result = cloneRaw(result)
	f.Error = errMsg
	f.ProcessedAt = processedAt
	f.RetryAt = t.retryAt()
	f.UpdatedAt = now

	return cloneField(f), nil
}

func (r *memorySubmissionRepository) Finalize(_ context.Context, submissionID string) (*models.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.submissions[submissionID]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	if s.Status != models.SubmissionStatusInProgress {
		return nil, ErrSubmissionLocked
	}
	if s.HasProcessingFields() {
		return nil, ErrFieldsProcessing
	}

	s.Status = models.SubmissionStatusSubmitted
	s.UpdatedAt = time.Now().UTC()
	return cloneSubmission(s), nil
}

func (r *memorySubmissionRepository) ListFields(_ context.Context, filter models.EnrichmentFilter) ([]models.FieldRef, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = enrichableStatuses
	}
	wanted := make(map[models.EnrichmentStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := []models.FieldRef{}
	for _, s := range r.submissions {
		if filter.SubmissionID != "" && s.ID != filter.SubmissionID {
			continue
		}
		for _, dp := range s.DataPoints {
			for _, f := range dp.Fields {
				if !wanted[f.Status] {
					continue
				}
				if filter.UpdatedBefore != nil && !f.UpdatedAt.Before(*filter.UpdatedBefore) {
					continue
				}
				refs = append(refs, models.FieldRef{
					SubmissionID: s.ID,
					AssignmentID: s.AssignmentID,
					Sequence:     dp.Sequence,
					FieldName:    f.Name,
					MediaRef:     f.MediaRef,
					Prompt:       f.Prompt,
					Status:       f.Status,
					Error:        f.Error,
					RetryAt:      copyTime(f.RetryAt),
					UpdatedAt:    f.UpdatedAt,
				})
			}
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		if a.SubmissionID != b.SubmissionID {
			return a.SubmissionID < b.SubmissionID
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.FieldName < b.FieldName
	})

	if limit := clampLimit(filter.Limit); len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// lookupField must be called with r.mu held.
func (r *memorySubmissionRepository) lookupField(submissionID string, sequence int, name string) *models.Field {
	s, ok := r.submissions[submissionID]
	if !ok {
		return nil
	}
	dp := s.DataPoint(sequence)
	if dp == nil {
		return nil
	}
	return dp.Field(name)
}

func cloneSubmission(s *models.Submission) *models.Submission {
	out := *s
	if s.DataPoints != nil {
		out.DataPoints = make([]models.DataPoint, len(s.DataPoints))
		for i := range s.DataPoints {
			out.DataPoints[i] = *cloneDataPoint(&s.DataPoints[i])
		}
	}
	return &out
}

func cloneDataPoint(dp *models.DataPoint) *models.DataPoint {
	out := *dp
	out.Fields = cloneFields(dp.Fields)
	return &out
}

func cloneFields(fields []models.Field) []models.Field {
	out := make([]models.Field, len(fields))
	for i := range fields {
		out[i] = *cloneField(&fields[i])
	}
	return out
}

func cloneField(f *models.Field) *models.Field {
	out := *f
	out.RawValue = cloneRaw(f.RawValue)
	out.Result = cloneRaw(f.Result)
	out.ProcessedAt = copyTime(f.ProcessedAt)
	out.RetryAt = copyTime(f.RetryAt)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
