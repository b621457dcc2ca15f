package repository

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

var fieldRowColumns = []string{
	"name", "field_type", "raw_value", "media_ref", "mime_type", "eligible", "prompt",
	"status", "result", "error_message", "processed_at", "retry_at", "updated_at",
}

func newMockSubmissionRepository(t *testing.T) (SubmissionRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSubmissionRepository(db, zerolog.Nop()), mock
}

func TestSubmissionRepository_CreateDuplicate(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO submissions")).
		WillReturnError(&pq.Error{Code: pqUniqueViolation})

	err := repo.Create(context.Background(), &models.Submission{
		ID:            "3f0e2a8e-7d43-4a9c-9b0e-1f0c1c9a0001",
		AssignmentID:  "a-1",
		ParticipantID: "p-1",
		Status:        models.SubmissionStatusInProgress,
	})
	assert.ErrorIs(t, err, ErrDuplicateSubmission)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_CreateUnknownAssignment(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO submissions")).
		WillReturnError(&pq.Error{Code: pqForeignKeyViolation})

	err := repo.Create(context.Background(), &models.Submission{ID: "s-1", AssignmentID: "missing"})
	assert.ErrorIs(t, err, ErrAssignmentNotFound)
}

func TestSubmissionRepository_TransitionFieldSucceeds(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)
	now := time.Now()

	rows := sqlmock.NewRows(fieldRowColumns).
		AddRow("leaf_photo", "image", nil, "media/leaf.jpg", "image/jpeg", true, "Describe the leaf",
			"completed", []byte(`{"caption":"green leaf"}`), "", now, nil, now)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE data_point_fields")).
		WithArgs("s-1", 1, "leaf_photo", "processing", "completed",
			[]byte(`{"caption":"green leaf"}`), "", sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnRows(rows)

	f, err := repo.TransitionField(context.Background(), FieldTransition{
		SubmissionID: "s-1",
		Sequence:     1,
		FieldName:    "leaf_photo",
		From:         models.EnrichmentStatusProcessing,
		To:           models.EnrichmentStatusCompleted,
		Result:       json.RawMessage(`{"caption":"green leaf"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentStatusCompleted, f.Status)
	assert.Equal(t, models.FieldTypeImage, f.Type)
	assert.JSONEq(t, `{"caption":"green leaf"}`, string(f.Result))
	require.NotNil(t, f.ProcessedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_TransitionFieldStale(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE data_point_fields")).
		WillReturnRows(sqlmock.NewRows(fieldRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM data_point_fields")).
		WithArgs("s-1", 1, "leaf_photo").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))

	_, err := repo.TransitionField(context.Background(), FieldTransition{
		SubmissionID: "s-1",
		Sequence:     1,
		FieldName:    "leaf_photo",
		From:         models.EnrichmentStatusPending,
		To:           models.EnrichmentStatusProcessing,
	})
	assert.ErrorIs(t, err, ErrStaleTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_TransitionFieldMissing(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE data_point_fields")).
		WillReturnRows(sqlmock.NewRows(fieldRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM data_point_fields")).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	_, err := repo.TransitionField(context.Background(), FieldTransition{
		SubmissionID: "s-1",
		Sequence:     9,
		FieldName:    "nope",
		From:         models.EnrichmentStatusPending,
		To:           models.EnrichmentStatusProcessing,
	})
	assert.ErrorIs(t, err, ErrFieldNotFound)
}

func TestSubmissionRepository_TransitionFieldRejectsInvalidEdge(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)

	_, err := repo.TransitionField(context.Background(), FieldTransition{
		SubmissionID: "s-1",
		Sequence:     1,
		FieldName:    "leaf_photo",
		From:         models.EnrichmentStatusCompleted,
		To:           models.EnrichmentStatusPending,
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_UpsertDataPoint(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM submissions WHERE id = $1 FOR UPDATE")).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_progress"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO data_points")).
		WithArgs("s-1", 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM data_point_fields")).
		WithArgs("s-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO data_point_fields")).
		WithArgs("s-1", 2, "leaf_photo", 0, "image", nil, "media/leaf.jpg", "image/jpeg", true, "Describe", "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO data_point_fields")).
		WithArgs("s-1", 2, "height_cm", 1, "number", []byte(`12.5`), "", "", false, "", "not_applicable", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET updated_at")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	dp, err := repo.UpsertDataPoint(context.Background(), "s-1", 2, []models.Field{
		{Name: "leaf_photo", Type: models.FieldTypeImage, MediaRef: "media/leaf.jpg", MimeType: "image/jpeg", Eligible: true, Prompt: "Describe"},
		{Name: "height_cm", Type: models.FieldTypeNumber, RawValue: json.RawMessage(`12.5`)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, dp.Sequence)
	require.Len(t, dp.Fields, 2)
	assert.Equal(t, models.EnrichmentStatusPending, dp.Fields[0].Status)
	assert.Equal(t, models.EnrichmentStatusNotApplicable, dp.Fields[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_UpsertDataPointLocked(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM submissions")).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("submitted"))
	mock.ExpectRollback()

	_, err := repo.UpsertDataPoint(context.Background(), "s-1", 1, nil)
	assert.ErrorIs(t, err, ErrSubmissionLocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_FinalizeRefusedWhileProcessing(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM submissions WHERE id = $1")).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_progress"))

	_, err := repo.Finalize(context.Background(), "s-1")
	assert.ErrorIs(t, err, ErrFieldsProcessing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_GetByIDNotFound(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM submissions")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestSubmissionRepository_ListFields(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)
	cutoff := time.Now().Add(-10 * time.Minute)
	retryAt := time.Now().Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("AND f.submission_id = $2 AND f.updated_at < $3 ORDER BY f.updated_at, f.submission_id, f.sequence, f.name LIMIT $4")).
		WithArgs(sqlmock.AnyArg(), "s-1", cutoff, 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"submission_id", "assignment_id", "sequence", "name", "media_ref", "prompt",
			"status", "error_message", "retry_at", "updated_at",
		}).AddRow("s-1", "a-1", 1, "leaf_photo", "media/leaf.jpg", "Describe", "failed", "quota exceeded", retryAt, cutoff.Add(-time.Hour)))

	refs, err := repo.ListFields(context.Background(), models.EnrichmentFilter{
		Statuses:      []models.EnrichmentStatus{models.EnrichmentStatusFailed},
		SubmissionID:  "s-1",
		UpdatedBefore: &cutoff,
		Limit:         50,
	})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "a-1", refs[0].AssignmentID)
	assert.Equal(t, models.EnrichmentStatusFailed, refs[0].Status)
	assert.Equal(t, "quota exceeded", refs[0].Error)
	require.NotNil(t, refs[0].RetryAt)
	assert.True(t, refs[0].RetryScheduled(time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_TransitionFieldRecordsRetryAt(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)
	now := time.Now()
	retryAt := now.Add(10 * time.Second).UTC()

	rows := sqlmock.NewRows(fieldRowColumns).
		AddRow("leaf_photo", "image", nil, "media/leaf.jpg", "image/jpeg", true, "Describe the leaf",
			"failed", nil, "quota exceeded", now, retryAt, now)

	mock.ExpectQuery(regexp.QuoteMeta("retry_at = $10")).
		WithArgs("s-1", 1, "leaf_photo", "processing", "failed",
			nil, "quota exceeded", sqlmock.AnyArg(), sqlmock.AnyArg(), retryAt).
		WillReturnRows(rows)

	f, err := repo.TransitionField(context.Background(), FieldTransition{
		SubmissionID: "s-1",
		Sequence:     1,
		FieldName:    "leaf_photo",
		From:         models.EnrichmentStatusProcessing,
		To:           models.EnrichmentStatusFailed,
		Error:        "quota exceeded",
		RetryAt:      &retryAt,
	})
	require.NoError(t, err)
	require.NotNil(t, f.RetryAt)
	assert.True(t, f.RetryAt.Equal(retryAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}
