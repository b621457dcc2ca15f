package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RubachokBoss/practicum-enrichment/internal/metrics"
	"github.com/RubachokBoss/practicum-enrichment/internal/models"
	"github.com/RubachokBoss/practicum-enrichment/internal/repository"
	"github.com/RubachokBoss/practicum-enrichment/internal/service/integration"
	"github.com/RubachokBoss/practicum-enrichment/internal/worker/queue"
)

const (
	testSubmission = "sub-1"
	testAssignment = "assign-1"
)

type analyzeFunc func(ctx context.Context, data []byte, mimeType, prompt string) (json.RawMessage, error)

type fakeAnalyzer struct {
	calls atomic.Int32
	fn    analyzeFunc
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, data []byte, mimeType, prompt string) (json.RawMessage, error) {
	a.calls.Add(1)
	return a.fn(ctx, data, mimeType, prompt)
}

type recordingPublisher struct {
	mu         sync.Mutex
	submission []models.FieldEvent
	assignment []models.FieldEvent
}

func (p *recordingPublisher) PublishToSubmission(id string, event models.FieldEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == testSubmission {
		p.submission = append(p.submission, event)
	}
}

func (p *recordingPublisher) PublishToAssignment(id string, event models.FieldEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == testAssignment {
		p.assignment = append(p.assignment, event)
	}
}

func (p *recordingPublisher) submissionEvents(field string) []models.FieldEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.FieldEvent
	for _, ev := range p.submission {
		if ev.FieldName == field {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) assignmentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.assignment)
}

type harness struct {
	repo      repository.SubmissionRepository
	queue     *queue.MemoryQueue
	ledger    repository.JobLedger
	storage   *integration.MemoryStorageClient
	analyzer  *fakeAnalyzer
	publisher *recordingPublisher
	worker    *EnrichmentWorker
}

func newHarness(t *testing.T, fn analyzeFunc, tweak func(*Config)) *harness {
	t.Helper()

	h := &harness{
		repo:      repository.NewMemorySubmissionRepository(),
		queue:     queue.NewMemoryQueue(queue.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
		ledger:    repository.NewMemoryJobLedger(repository.DefaultRetentionPolicy()),
		storage:   integration.NewMemoryStorageClient(),
		analyzer:  &fakeAnalyzer{fn: fn},
		publisher: &recordingPublisher{},
	}
	t.Cleanup(func() { h.queue.Close() })

	cfg := Config{
		Workers:      3,
		RateLimit:    1000,
		RateWindow:   time.Second,
		ImageTimeout: time.Second,
		VideoTimeout: time.Second,
	}
	if tweak != nil {
		tweak(&cfg)
	}

	h.worker = NewEnrichmentWorker(Deps{
		Queue:       h.queue,
		Submissions: h.repo,
		Storage:     h.storage,
		Analysis:    h.analyzer,
		Publisher:   h.publisher,
		Ledger:      h.ledger,
		Metrics:     metrics.NewCollector(),
	}, cfg, zerolog.Nop())

	now := time.Now().UTC()
	require.NoError(t, h.repo.Create(context.Background(), &models.Submission{
		ID:            testSubmission,
		AssignmentID:  testAssignment,
		ParticipantID: "participant-1",
		Status:        models.SubmissionStatusInProgress,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
	return h
}

// start runs the worker until the test ends and returns the cancel func for
// tests that exercise shutdown themselves.
func (h *harness) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.worker.Start(ctx))

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			h.worker.Stop()
		})
	}
	t.Cleanup(stop)
	return stop
}

func (h *harness) seedPhotos(t *testing.T, names ...string) {
	t.Helper()
	var fields []models.Field
	for _, name := range names {
		ref := "media/participant-1/" + name + ".jpg"
		h.storage.Store(ref, []byte(name+"-bytes"), "image/jpeg")
		fields = append(fields, models.Field{
			Name:     name,
			Type:     models.FieldTypeImage,
			MediaRef: ref,
			MimeType: "image/jpeg",
			Eligible: true,
			Prompt:   "Describe " + name,
		})
	}
	_, err := h.repo.UpsertDataPoint(context.Background(), testSubmission, 1, fields)
	require.NoError(t, err)
}

func (h *harness) enqueue(t *testing.T, field string) {
	t.Helper()
	require.NoError(t, h.queue.Enqueue(context.Background(), models.EnrichmentJob{
		SubmissionID: testSubmission,
		AssignmentID: testAssignment,
		Sequence:     1,
		FieldName:    field,
	}))
}

func (h *harness) field(t *testing.T, name string) *models.Field {
	t.Helper()
	f, err := h.repo.GetField(context.Background(), testSubmission, 1, name)
	require.NoError(t, err)
	return f
}

func (h *harness) records(t *testing.T, outcome models.JobOutcome) []models.JobRecord {
	t.Helper()
	recs, err := h.ledger.List(context.Background(), outcome, 100)
	require.NoError(t, err)
	return recs
}

func (h *harness) waitStatus(t *testing.T, name string, status models.EnrichmentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.field(t, name).Status == status
	}, 5*time.Second, 5*time.Millisecond, "field %s never reached %s", name, status)
}

func (h *harness) waitOutcomes(t *testing.T, outcome models.JobOutcome, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.records(t, outcome)) >= n
	}, 5*time.Second, 5*time.Millisecond, "expected %d %s records", n, outcome)
}

func eventNames(events []models.FieldEvent) []string {
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	return names
}

func failureDetails(t *testing.T, ev models.FieldEvent) models.FailureDetails {
	t.Helper()
	var d models.FailureDetails
	require.NoError(t, json.Unmarshal(ev.Payload, &d))
	return d
}

func TestEnrichmentWorker_HappyPath(t *testing.T) {
	h := newHarness(t, func(_ context.Context, data []byte, mimeType, prompt string) (json.RawMessage, error) {
		assert.Equal(t, "leaf_photo-bytes", string(data))
		assert.Equal(t, "image/jpeg", mimeType)
		assert.Equal(t, "Describe leaf_photo", prompt)
		return json.RawMessage(`{"caption":"healthy leaf"}`), nil
	}, nil)
	h.seedPhotos(t, "leaf_photo")
	assert.Equal(t, models.EnrichmentStatusPending, h.field(t, "leaf_photo").Status)
	h.start(t)

	h.enqueue(t, "leaf_photo")
	h.waitStatus(t, "leaf_photo", models.EnrichmentStatusCompleted)
	h.waitOutcomes(t, models.JobOutcomeCompleted, 1)

	f := h.field(t, "leaf_photo")
	assert.JSONEq(t, `{"caption":"healthy leaf"}`, string(f.Result))
	assert.Empty(t, f.Error)
	assert.NotNil(t, f.ProcessedAt)

	assert.Equal(t, []string{models.EventFieldProcessing, models.EventFieldCompleted},
		eventNames(h.publisher.submissionEvents("leaf_photo")))
	assert.Equal(t, 2, h.publisher.assignmentCount())

	assert.Equal(t, int32(1), h.analyzer.calls.Load())
	assert.Zero(t, h.queue.Retried())
}

func TestEnrichmentWorker_QuotaExhaustsAttempts(t *testing.T) {
	h := newHarness(t, func(context.Context, []byte, string, string) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: http 429", integration.ErrQuotaExceeded)
	}, nil)
	h.seedPhotos(t, "leaf_photo")
	h.start(t)

	h.enqueue(t, "leaf_photo")
	h.waitOutcomes(t, models.JobOutcomeFailed, 1)

	f := h.field(t, "leaf_photo")
	assert.Equal(t, models.EnrichmentStatusFailed, f.Status)
	assert.Contains(t, f.Error, "quota")

	assert.Equal(t, int32(3), h.analyzer.calls.Load())
	assert.Equal(t, 2, h.queue.Retried())
	assert.Len(t, h.records(t, models.JobOutcomeRetrying), 2)

	events := h.publisher.submissionEvents("leaf_photo")
	require.Len(t, events, 6)
	var failures []models.FailureDetails
	for _, ev := range events {
		if ev.Event == models.EventFieldFailed {
			failures = append(failures, failureDetails(t, ev))
		}
	}
	assert.Equal(t, []models.FailureDetails{
		{Attempt: 1, MaxAttempts: 3, WillRetry: true},
		{Attempt: 2, MaxAttempts: 3, WillRetry: true},
		{Attempt: 3, MaxAttempts: 3, WillRetry: false},
	}, failures)

	// Nothing else is scheduled once the budget is spent.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), h.analyzer.calls.Load())
	assert.Zero(t, h.queue.Scheduled())
}

func TestEnrichmentWorker_TimeoutsEndFailedAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ []byte, _, _ string) (json.RawMessage, error) {
		<-ctx.Done()
		// Answer late, after the worker has stopped waiting.
		time.Sleep(5 * time.Millisecond)
		return json.RawMessage(`{"late":true}`), nil
	}, func(cfg *Config) {
		cfg.ImageTimeout = 20 * time.Millisecond
	})
	h.seedPhotos(t, "leaf_photo")
	h.start(t)

	h.enqueue(t, "leaf_photo")
	h.waitOutcomes(t, models.JobOutcomeFailed, 1)

	f := h.field(t, "leaf_photo")
	assert.Equal(t, models.EnrichmentStatusFailed, f.Status)
	assert.Contains(t, f.Error, "timed out")
	assert.Empty(t, f.Result)
	assert.Equal(t, int32(3), h.analyzer.calls.Load())
}

func TestEnrichmentWorker_TwoFieldsSameDataPoint(t *testing.T) {
	h := newHarness(t, func(_ context.Context, data []byte, _, _ string) (json.RawMessage, error) {
		time.Sleep(5 * time.Millisecond)
		return json.Marshal(map[string]string{"source": string(data)})
	}, nil)
	h.seedPhotos(t, "leaf_photo", "stem_photo")
	h.start(t)

	h.enqueue(t, "leaf_photo")
	h.enqueue(t, "stem_photo")
	h.waitOutcomes(t, models.JobOutcomeCompleted, 2)

	sub, err := h.repo.GetByID(context.Background(), testSubmission)
	require.NoError(t, err)
	require.Len(t, sub.DataPoints, 1)
	dp := sub.DataPoint(1)
	require.NotNil(t, dp)

	require.Len(t, dp.Fields, 2)
	assert.ElementsMatch(t, []string{"leaf_photo", "stem_photo"}, []string{dp.Fields[0].Name, dp.Fields[1].Name})
	for _, f := range dp.Fields {
		assert.Equal(t, models.EnrichmentStatusCompleted, f.Status, f.Name)
		assert.JSONEq(t, fmt.Sprintf(`{"source":"%s-bytes"}`, f.Name), string(f.Result))
	}
}

func TestEnrichmentWorker_PermanentErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, func(context.Context, []byte, string, string) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: http 415", integration.ErrInvalidInput)
	}, nil)
	h.seedPhotos(t, "leaf_photo")
	h.start(t)

	h.enqueue(t, "leaf_photo")
	h.waitOutcomes(t, models.JobOutcomeFailed, 1)

	assert.Equal(t, models.EnrichmentStatusFailed, h.field(t, "leaf_photo").Status)
	assert.Equal(t, int32(1), h.analyzer.calls.Load())
	assert.Zero(t, h.queue.Retried())

	events := h.publisher.submissionEvents("leaf_photo")
	require.Len(t, events, 2)
	assert.False(t, failureDetails(t, events[1]).WillRetry)
}

func TestEnrichmentWorker_MissingMediaIsPermanent(t *testing.T) {
	h := newHarness(t, func(context.Context, []byte, string, string) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, nil)
	h.seedPhotos(t, "leaf_photo")
	_, err := h.repo.UpsertDataPoint(context.Background(), testSubmission, 1, []models.Field{{
		Name:     "leaf_photo",
		Type:     models.FieldTypeImage,
		MediaRef: "media/participant-1/gone.jpg",
		MimeType: "image/jpeg",
		Eligible: true,
	}})
	require.NoError(t, err)
	h.start(t)

	h.enqueue(t, "leaf_photo")
	h.waitOutcomes(t, models.JobOutcomeFailed, 1)

	f := h.field(t, "leaf_photo")
	assert.Equal(t, models.EnrichmentStatusFailed, f.Status)
	assert.Contains(t, f.Error, "media not found")
	assert.Zero(t, h.analyzer.calls.Load())
	assert.Zero(t, h.queue.Retried())
}

type fakeDelivery struct {
	job     models.EnrichmentJob
	acked   atomic.Int32
	retried atomic.Int32
}

func (d *fakeDelivery) Job() models.EnrichmentJob { return d.job }

func (d *fakeDelivery) Ack() error {
	d.acked.Add(1)
	return nil
}

func (d *fakeDelivery) Retry(context.Context) (time.Duration, error) {
	d.retried.Add(1)
	return time.Millisecond, nil
}

func (d *fakeDelivery) RetryDelay() time.Duration { return time.Millisecond }

func TestEnrichmentWorker_StaleClaimIsAbandoned(t *testing.T) {
	h := newHarness(t, func(context.Context, []byte, string, string) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, nil)
	h.seedPhotos(t, "leaf_photo")

	_, err := h.repo.TransitionField(context.Background(), repository.FieldTransition{
		SubmissionID: testSubmission,
		Sequence:     1,
		FieldName:    "leaf_photo",
		From:         models.EnrichmentStatusPending,
		To:           models.EnrichmentStatusProcessing,
	})
	require.NoError(t, err)

	d := &fakeDelivery{job: models.EnrichmentJob{
		SubmissionID: testSubmission,
		AssignmentID: testAssignment,
		Sequence:     1,
		FieldName:    "leaf_photo",
		Attempt:      1,
		MaxAttempts:  3,
	}}
	h.worker.ProcessDelivery(context.Background(), d)

	assert.Equal(t, int32(1), d.acked.Load())
	assert.Zero(t, d.retried.Load())
	assert.Zero(t, h.analyzer.calls.Load())
	assert.Empty(t, h.publisher.submissionEvents("leaf_photo"))
	assert.Len(t, h.records(t, models.JobOutcomeAbandoned), 1)
	assert.Equal(t, models.EnrichmentStatusProcessing, h.field(t, "leaf_photo").Status)

	d = &fakeDelivery{job: models.EnrichmentJob{SubmissionID: testSubmission, Sequence: 9, FieldName: "leaf_photo", Attempt: 1, MaxAttempts: 3}}
	h.worker.ProcessDelivery(context.Background(), d)
	assert.Equal(t, int32(1), d.acked.Load())
	assert.Len(t, h.records(t, models.JobOutcomeAbandoned), 2)
}

func TestEnrichmentWorker_ClaimsFailedFieldOnRetry(t *testing.T) {
	h := newHarness(t, func(context.Context, []byte, string, string) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}, nil)
	h.seedPhotos(t, "leaf_photo")

	ctx := context.Background()
	for _, step := range []struct{ from, to models.EnrichmentStatus }{
		{models.EnrichmentStatusPending, models.EnrichmentStatusProcessing},
		{models.EnrichmentStatusProcessing, models.EnrichmentStatusFailed},
	} {
		_, err := h.repo.TransitionField(ctx, repository.FieldTransition{
			SubmissionID: testSubmission, Sequence: 1, FieldName: "leaf_photo",
			From: step.from, To: step.to, Error: "quota",
		})
		require.NoError(t, err)
	}

	d := &fakeDelivery{job: models.EnrichmentJob{
		SubmissionID: testSubmission, AssignmentID: testAssignment, Sequence: 1,
		FieldName: "leaf_photo", Attempt: 2, MaxAttempts: 3,
	}}
	h.worker.ProcessDelivery(ctx, d)

	f := h.field(t, "leaf_photo")
	assert.Equal(t, models.EnrichmentStatusCompleted, f.Status)
	assert.Empty(t, f.Error)
	assert.Equal(t, int32(1), d.acked.Load())
}

func TestEnrichmentWorker_ShutdownInterruptsAndReschedules(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ []byte, _, _ string) (json.RawMessage, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	h.seedPhotos(t, "leaf_photo")
	stop := h.start(t)

	h.enqueue(t, "leaf_photo")
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("analysis never started")
	}
	stop()

	f := h.field(t, "leaf_photo")
	assert.Equal(t, models.EnrichmentStatusFailed, f.Status)
	assert.Contains(t, f.Error, "worker interrupted")
	assert.Equal(t, 1, h.queue.Retried())
	assert.Len(t, h.records(t, models.JobOutcomeRetrying), 1)
	assert.Zero(t, h.worker.Stats(context.Background()).ActiveWorkers)
}

func TestEnrichmentWorker_RateLimitPacesDispatch(t *testing.T) {
	h := newHarness(t, func(context.Context, []byte, string, string) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, func(cfg *Config) {
		cfg.RateLimit = 2
		cfg.RateWindow = time.Hour
	})
	h.seedPhotos(t, "a", "b", "c", "d")
	h.start(t)

	for _, name := range []string{"a", "b", "c", "d"} {
		h.enqueue(t, name)
	}

	// The first dequeue is immediate, the next one waits half an hour.
	h.waitOutcomes(t, models.JobOutcomeCompleted, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.records(t, models.JobOutcomeCompleted), 1)
	assert.Equal(t, int32(1), h.analyzer.calls.Load())
}

func TestDequeueLimiter_NeverExceedsLimitPerWindow(t *testing.T) {
	for _, tc := range []struct {
		name   string
		limit  int
		window time.Duration
	}{
		{"defaults", DefaultConfig().RateLimit, DefaultConfig().RateWindow},
		{"three per second", 3, time.Second},
	} {
		t.Run(tc.name, func(t *testing.T) {
			limiter := newDequeueLimiter(tc.limit, tc.window)
			t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			step := tc.window / 600

			var admitted []time.Time
			for now := t0; now.Before(t0.Add(3 * tc.window)); now = now.Add(step) {
				if limiter.AllowN(now, 1) {
					admitted = append(admitted, now)
				}
			}

			require.NotEmpty(t, admitted)
			assert.Equal(t, t0, admitted[0], "first dequeue is not delayed")
			for i, start := range admitted {
				inWindow := 0
				for _, at := range admitted[i:] {
					if at.Before(start.Add(tc.window)) {
						inWindow++
					}
				}
				assert.LessOrEqual(t, inWindow, tc.limit, "window starting at %s", start.Sub(t0))
			}
			assert.GreaterOrEqual(t, len(admitted), 3*tc.limit-1, "limiter still admits close to the limit")
		})
	}
}

func TestErrorMessage_TruncatesOnRuneBoundary(t *testing.T) {
	long := errorMessage(errors.New("a" + strings.Repeat("ж", 600)))
	assert.True(t, utf8.ValidString(long))
	assert.True(t, strings.HasSuffix(long, "..."))
	assert.LessOrEqual(t, len(long), maxErrorMessage+len("..."))

	assert.Equal(t, "bad \uFFFD byte", errorMessage(errors.New("bad \xff\x00 byte")))
	assert.Equal(t, "short", errorMessage(errors.New("short")))
}

func TestEnrichmentWorker_Stats(t *testing.T) {
	h := newHarness(t, func(context.Context, []byte, string, string) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, nil)
	h.seedPhotos(t, "leaf_photo")
	h.start(t)

	h.enqueue(t, "leaf_photo")
	h.waitOutcomes(t, models.JobOutcomeCompleted, 1)

	stats := h.worker.Stats(context.Background())
	assert.Equal(t, 3, stats.Workers)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.FailedJobs)
	assert.Zero(t, stats.QueueLength)
}
