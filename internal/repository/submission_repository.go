package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

// FieldTransition is a compare-and-swap request on one field's enrichment status.
type FieldTransition struct {
	SubmissionID string
	Sequence     int
	FieldName    string
	From         models.EnrichmentStatus
	To           models.EnrichmentStatus
	Result       json.RawMessage
	Error        string
	// RetryAt marks a failure the queue will retry by itself.
	RetryAt *time.Time
}

// columns returns the values written alongside the new status.
func (t FieldTransition) columns(now time.Time) (json.RawMessage, string, *time.Time) {
	switch t.To {
	case models.EnrichmentStatusCompleted:
		return t.Result, "", &now
	case models.EnrichmentStatusFailed:
		return nil, t.Error, &now
	default:
		return nil, "", nil
	}
}

// retryAt is cleared by every transition except into failed.
func (t FieldTransition) retryAt() *time.Time {
	if t.To != models.EnrichmentStatusFailed || t.RetryAt == nil {
		return nil
	}
	at := t.RetryAt.UTC()
	return &at
}

type SubmissionRepository interface {
	Create(ctx context.Context, submission *models.Submission) error
	GetByID(ctx context.Context, id string) (*models.Submission, error)
	GetByParticipant(ctx context.Context, assignmentID, participantID string) (*models.Submission, error)
	ListByAssignment(ctx context.Context, assignmentID string, limit, offset int) ([]models.SubmissionSummary, int, error)
	// UpsertDataPoint inserts or replaces the data point. Eligible fields start
	// pending, the rest not_applicable.
	UpsertDataPoint(ctx context.Context, submissionID string, sequence int, fields []models.Field) (*models.DataPoint, error)
	GetField(ctx context.Context, submissionID string, sequence int, name string) (*models.Field, error)
	TransitionField(ctx context.Context, t FieldTransition) (*models.Field, error)
	Finalize(ctx context.Context, submissionID string) (*models.Submission, error)
	ListFields(ctx context.Context, filter models.EnrichmentFilter) ([]models.FieldRef, error)
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000

	fieldColumns = `name, field_type, raw_value, media_ref, mime_type, eligible, prompt,
		status, result, error_message, processed_at, retry_at, updated_at`
)

var enrichableStatuses = []models.EnrichmentStatus{
	models.EnrichmentStatusPending,
	models.EnrichmentStatusProcessing,
	models.EnrichmentStatusCompleted,
	models.EnrichmentStatusFailed,
}

type submissionRepository struct {
	*PostgresRepository
}

func NewSubmissionRepository(db *sql.DB, logger zerolog.Logger) SubmissionRepository {
	return &submissionRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	query := `
		INSERT INTO submissions (id, assignment_id, participant_id, participant_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		submission.ID,
		submission.AssignmentID,
		submission.ParticipantID,
		submission.ParticipantName,
		submission.Status,
		submission.CreatedAt,
		submission.UpdatedAt,
	)

	switch pqErrorCode(err) {
	case pqUniqueViolation:
		return ErrDuplicateSubmission
	case pqForeignKeyViolation:
		return ErrAssignmentNotFound
	}
	return err
}

func (r *submissionRepository) GetByID(ctx context.Context, id string) (*models.Submission, error) {
	query := `
		SELECT id, assignment_id, participant_id, participant_name, status, created_at, updated_at
		FROM submissions
		WHERE id = $1
	`
	return r.getOne(ctx, query, id)
}

func (r *submissionRepository) GetByParticipant(ctx context.Context, assignmentID, participantID string) (*models.Submission, error) {
	query := `
		SELECT id, assignment_id, participant_id, participant_name, status, created_at, updated_at
		FROM submissions
		WHERE assignment_id = $1 AND participant_id = $2
	`
	return r.getOne(ctx, query, assignmentID, participantID)
}

func (r *submissionRepository) getOne(ctx context.Context, query string, args ...interface{}) (*models.Submission, error) {
	s := &models.Submission{}
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&s.ID,
		&s.AssignmentID,
		&s.ParticipantID,
		&s.ParticipantName,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, err
	}

	dataPoints, err := r.loadDataPoints(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	s.DataPoints = dataPoints

	return s, nil
}

func (r *submissionRepository) loadDataPoints(ctx context.Context, submissionID string) ([]models.DataPoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, uploaded_at
		FROM data_points
		WHERE submission_id = $1
		ORDER BY sequence
	`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dataPoints := []models.DataPoint{}
	index := make(map[int]int)
	for rows.Next() {
		var dp models.DataPoint
		if err := rows.Scan(&dp.Sequence, &dp.UploadedAt); err != nil {
			return nil, err
		}
		dp.Fields = []models.Field{}
		index[dp.Sequence] = len(dataPoints)
		dataPoints = append(dataPoints, dp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(dataPoints) == 0 {
		return dataPoints, nil
	}

	fieldRows, err := r.db.QueryContext(ctx, `
		SELECT sequence, `+fieldColumns+`
		FROM data_point_fields
		WHERE submission_id = $1
		ORDER BY sequence, position
	`, submissionID)
	if err != nil {
		return nil, err
	}
	defer fieldRows.Close()

	for fieldRows.Next() {
		var sequence int
		f, err := scanField(fieldRows, &sequence)
		if err != nil {
			return nil, err
		}
		if i, ok := index[sequence]; ok {
			dataPoints[i].Fields = append(dataPoints[i].Fields, *f)
		}
	}

	return dataPoints, fieldRows.Err()
}

func (r *submissionRepository) ListByAssignment(ctx context.Context, assignmentID string, limit, offset int) ([]models.SubmissionSummary, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE assignment_id = $1`, assignmentID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, assignment_id, participant_id, participant_name, status, updated_at
		FROM submissions
		WHERE assignment_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, assignmentID, clampLimit(limit), offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	summaries := []models.SubmissionSummary{}
	for rows.Next() {
		var s models.SubmissionSummary
		if err := rows.Scan(&s.ID, &s.AssignmentID, &s.ParticipantID, &s.ParticipantName, &s.Status, &s.UpdatedAt); err != nil {
			return nil, 0, err
		}
		summaries = append(summaries, s)
	}

	return summaries, total, rows.Err()
}

func (r *submissionRepository) UpsertDataPoint(ctx context.Context, submissionID string, sequence int, fields []models.Field) (*models.DataPoint, error) {
	now := time.Now().UTC()
	dp := newDataPoint(sequence, fields, now)

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var status models.SubmissionStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM submissions WHERE id = $1 FOR UPDATE`, submissionID,
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSubmissionNotFound
		}
		if err != nil {
			return err
		}
		if status != models.SubmissionStatusInProgress {
			return ErrSubmissionLocked
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO data_points (submission_id, sequence, uploaded_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (submission_id, sequence) DO UPDATE SET uploaded_at = EXCLUDED.uploaded_at
		`, submissionID, sequence, now); err != nil {
			return fmt.Errorf("upsert data point: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM data_point_fields WHERE submission_id = $1 AND sequence = $2`,
			submissionID, sequence,
		); err != nil {
			return fmt.Errorf("clear fields: %w", err)
		}

		for i, f := range dp.Fields {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO data_point_fields (
					submission_id, sequence, name, position, field_type, raw_value, media_ref,
					mime_type, eligible, prompt, status, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			`,
				submissionID, sequence, f.Name, i, f.Type, nullJSON(f.RawValue), f.MediaRef,
				f.MimeType, f.Eligible, f.Prompt, f.Status, now,
			); err != nil {
				return fmt.Errorf("insert field %s: %w", f.Name, err)
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE submissions SET updated_at = $2 WHERE id = $1`, submissionID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	return dp, nil
}

func (r *submissionRepository) GetField(ctx context.Context, submissionID string, sequence int, name string) (*models.Field, error) {
	query := `
		SELECT ` + fieldColumns + `
		FROM data_point_fields
		WHERE submission_id = $1 AND sequence = $2 AND name = $3
	`

	f, err := scanField(r.db.QueryRowContext(ctx, query, submissionID, sequence, name), nil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFieldNotFound
	}
	return f, err
}

func (r *submissionRepository) TransitionField(ctx context.Context, t FieldTransition) (*models.Field, error) {
	if !models.CanTransition(t.From, t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}

	now := time.Now().UTC()
	result, errMsg, processedAt := t.columns(now)

	query := `
		UPDATE data_point_fields
		SET status = $5, result = $6, error_message = $7, processed_at = $8, updated_at = $9, retry_at = $10
		WHERE submission_id = $1 AND sequence = $2 AND name = $3 AND status = $4
		RETURNING ` + fieldColumns

	f, err := scanField(r.db.QueryRowContext(ctx, query,
		t.SubmissionID, t.Sequence, t.FieldName, t.From,
		t.To, nullJSON(result), errMsg, nullTime(processedAt), now, nullTime(t.retryAt()),
	), nil)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var current models.EnrichmentStatus
	err = r.db.QueryRowContext(ctx,
		`SELECT status FROM data_point_fields WHERE submission_id = $1 AND sequence = $2 AND name = $3`,
		t.SubmissionID, t.Sequence, t.FieldName,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFieldNotFound
	}
	if err != nil {
		return nil, err
	}

	r.logger.Debug().
		Str("submission_id", t.SubmissionID).
		Int("sequence", t.Sequence).
		Str("field", t.FieldName).
		Str("expected", string(t.From)).
		Str("found", string(current)).
		Msg("Stale field transition ignored")
	return nil, fmt.Errorf("%w: expected %s, found %s", ErrStaleTransition, t.From, current)
}

func (r *submissionRepository) Finalize(ctx context.Context, submissionID string) (*models.Submission, error) {
	query := `
		UPDATE submissions
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
			AND NOT EXISTS (
				SELECT 1 FROM data_point_fields f
				WHERE f.submission_id = submissions.id AND f.status = $5
			)
	`

	res, err := r.db.ExecContext(ctx, query,
		submissionID,
		models.SubmissionStatusSubmitted,
		time.Now().UTC(),
		models.SubmissionStatusInProgress,
		models.EnrichmentStatusProcessing,
	)
	if err != nil {
		return nil, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		var status models.SubmissionStatus
		err := r.db.QueryRowContext(ctx, `SELECT status FROM submissions WHERE id = $1`, submissionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubmissionNotFound
		}
		if err != nil {
			return nil, err
		}
		if status != models.SubmissionStatusInProgress {
			return nil, ErrSubmissionLocked
		}
		return nil, ErrFieldsProcessing
	}

	return r.GetByID(ctx, submissionID)
}

func (r *submissionRepository) ListFields(ctx context.Context, filter models.EnrichmentFilter) ([]models.FieldRef, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = enrichableStatuses
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = s.String()
	}

	var b strings.Builder
	b.WriteString(`
		SELECT f.submission_id, s.assignment_id, f.sequence, f.name, f.media_ref, f.prompt,
			f.status, f.error_message, f.retry_at, f.updated_at
		FROM data_point_fields f
		JOIN submissions s ON s.id = f.submission_id
		WHERE f.status = ANY($1)`)
	args := []interface{}{pq.Array(names)}

	if filter.SubmissionID != "" {
		args = append(args, filter.SubmissionID)
		fmt.Fprintf(&b, " AND f.submission_id = $%d", len(args))
	}
	if filter.UpdatedBefore != nil {
		args = append(args, *filter.UpdatedBefore)
		fmt.Fprintf(&b, " AND f.updated_at < $%d", len(args))
	}
	args = append(args, clampLimit(filter.Limit))
	fmt.Fprintf(&b, " ORDER BY f.updated_at, f.submission_id, f.sequence, f.name LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := []models.FieldRef{}
	for rows.Next() {
		var (
			ref     models.FieldRef
			retryAt sql.NullTime
		)
		if err := rows.Scan(
			&ref.SubmissionID,
			&ref.AssignmentID,
			&ref.Sequence,
			&ref.FieldName,
			&ref.MediaRef,
			&ref.Prompt,
			&ref.Status,
			&ref.Error,
			&retryAt,
			&ref.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if retryAt.Valid {
			t := retryAt.Time
			ref.RetryAt = &t
		}
		refs = append(refs, ref)
	}

	return refs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanField reads fieldColumns, optionally preceded by the sequence column.
func scanField(row rowScanner, sequence *int) (*models.Field, error) {
	var (
		f           models.Field
		rawValue    []byte
		result      []byte
		processedAt sql.NullTime
		retryAt     sql.NullTime
	)

	dest := []interface{}{
		&f.Name, &f.Type, &rawValue, &f.MediaRef, &f.MimeType, &f.Eligible, &f.Prompt,
		&f.Status, &result, &f.Error, &processedAt, &retryAt, &f.UpdatedAt,
	}
	if sequence != nil {
		dest = append([]interface{}{sequence}, dest...)
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	if len(rawValue) > 0 {
		f.RawValue = json.RawMessage(rawValue)
	}
	if len(result) > 0 {
		f.Result = json.RawMessage(result)
	}
	if processedAt.Valid {
		t := processedAt.Time
		f.ProcessedAt = &t
	}
	if retryAt.Valid {
		t := retryAt.Time
		f.RetryAt = &t
	}

	return &f, nil
}

func newDataPoint(sequence int, fields []models.Field, now time.Time) *models.DataPoint {
	dp := &models.DataPoint{
		Sequence:   sequence,
		UploadedAt: now,
		Fields:     make([]models.Field, len(fields)),
	}
	for i, f := range fields {
		f.Status = models.EnrichmentStatusNotApplicable
		if f.Eligible {
			f.Status = models.EnrichmentStatusPending
		}
		f.Result = nil
		f.Error = ""
		f.ProcessedAt = nil
		f.RetryAt = nil
		f.UpdatedAt = now
		dp.Fields[i] = f
	}
	return dp
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
