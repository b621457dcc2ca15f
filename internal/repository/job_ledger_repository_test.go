package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

func TestRetentionPolicy_TTL(t *testing.T) {
	p := DefaultRetentionPolicy()

	assert.Equal(t, 24*time.Hour, p.TTL(models.JobOutcomeCompleted))
	assert.Equal(t, 24*time.Hour, p.TTL(models.JobOutcomeAbandoned))
	assert.Equal(t, 48*time.Hour, p.TTL(models.JobOutcomeFailed))
	assert.Equal(t, 48*time.Hour, p.TTL(models.JobOutcomeRetrying))
}

func TestMemoryJobLedger_ListNewestFirst(t *testing.T) {
	ledger := NewMemoryJobLedger(DefaultRetentionPolicy())
	ctx := context.Background()
	base := time.Now().UTC()

	job := models.EnrichmentJob{SubmissionID: "sub-1", Sequence: 1, FieldName: "leaf_photo", MaxAttempts: 3}
	for attempt := 1; attempt <= 3; attempt++ {
		job.Attempt = attempt
		rec := models.NewJobRecord(job, models.JobOutcomeRetrying, nil)
		rec.FinishedAt = base.Add(time.Duration(attempt) * time.Second)
		require.NoError(t, ledger.Record(ctx, rec))
	}
	require.NoError(t, ledger.Record(ctx, models.NewJobRecord(job, models.JobOutcomeCompleted, nil)))

	retrying, err := ledger.List(ctx, models.JobOutcomeRetrying, 2)
	require.NoError(t, err)
	require.Len(t, retrying, 2)
	assert.Equal(t, 3, retrying[0].Attempt)
	assert.Equal(t, 2, retrying[1].Attempt)

	all, err := ledger.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemoryJobLedger_Expiry(t *testing.T) {
	ledger := NewMemoryJobLedger(DefaultRetentionPolicy()).(*memoryJobLedger)
	ctx := context.Background()
	now := time.Now().UTC()
	ledger.now = func() time.Time { return now }

	job := models.EnrichmentJob{SubmissionID: "sub-1", Sequence: 1, FieldName: "leaf_photo", Attempt: 1, MaxAttempts: 3}
	done := models.NewJobRecord(job, models.JobOutcomeCompleted, nil)
	done.FinishedAt = now
	failed := models.NewJobRecord(job, models.JobOutcomeFailed, assert.AnError)
	failed.FinishedAt = now
	require.NoError(t, ledger.Record(ctx, done))
	require.NoError(t, ledger.Record(ctx, failed))

	ledger.now = func() time.Time { return now.Add(30 * time.Hour) }

	records, err := ledger.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.JobOutcomeFailed, records[0].Outcome)
	assert.Equal(t, assert.AnError.Error(), records[0].Error)
}
