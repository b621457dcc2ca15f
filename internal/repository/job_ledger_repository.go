package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

var ledgerOutcomes = []models.JobOutcome{
	models.JobOutcomeCompleted,
	models.JobOutcomeFailed,
	models.JobOutcomeRetrying,
	models.JobOutcomeAbandoned,
}

// JobLedger retains recent job outcomes for diagnostics. Records expire; the
// ledger is never consulted for delivery or retry decisions.
type JobLedger interface {
	Record(ctx context.Context, rec models.JobRecord) error
	// List returns the newest records first. An empty outcome lists all of them.
	List(ctx context.Context, outcome models.JobOutcome, limit int) ([]models.JobRecord, error)
}

type RetentionPolicy struct {
	Success time.Duration
	Failure time.Duration
}

func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{Success: 24 * time.Hour, Failure: 48 * time.Hour}
}

func (p RetentionPolicy) TTL(outcome models.JobOutcome) time.Duration {
	switch outcome {
	case models.JobOutcomeCompleted, models.JobOutcomeAbandoned:
		return p.Success
	default:
		return p.Failure
	}
}

type redisJobLedger struct {
	client    redis.UniversalClient
	prefix    string
	retention RetentionPolicy
	logger    zerolog.Logger
}

func NewRedisJobLedger(client redis.UniversalClient, prefix string, retention RetentionPolicy, logger zerolog.Logger) JobLedger {
	return &redisJobLedger{
		client:    client,
		prefix:    prefix,
		retention: retention,
		logger:    logger,
	}
}

func (l *redisJobLedger) recordKey(rec models.JobRecord) string {
	return fmt.Sprintf("%s:record:%s:%d:%d", l.prefix, rec.Key, rec.Attempt, rec.FinishedAt.UnixNano())
}

func (l *redisJobLedger) indexKey(outcome models.JobOutcome) string {
	return fmt.Sprintf("%s:outcome:%s", l.prefix, outcome)
}

func (l *redisJobLedger) Record(ctx context.Context, rec models.JobRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}

	ttl := l.retention.TTL(rec.Outcome)
	key := l.recordKey(rec)
	index := l.indexKey(rec.Outcome)
	cutoff := rec.FinishedAt.Add(-ttl).UnixNano()

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, body, ttl)
		pipe.ZAdd(ctx, index, redis.Z{Score: float64(rec.FinishedAt.UnixNano()), Member: key})
		pipe.ZRemRangeByScore(ctx, index, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, index, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record job %s: %w", rec.Key, err)
	}
	return nil
}

func (l *redisJobLedger) List(ctx context.Context, outcome models.JobOutcome, limit int) ([]models.JobRecord, error) {
	limit = clampLimit(limit)
	outcomes := ledgerOutcomes
	if outcome != "" {
		outcomes = []models.JobOutcome{outcome}
	}

	var records []models.JobRecord
	for _, o := range outcomes {
		index := l.indexKey(o)
		keys, err := l.client.ZRevRange(ctx, index, 0, int64(limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("list %s jobs: %w", o, err)
		}
		if len(keys) == 0 {
			continue
		}

		values, err := l.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("load %s jobs: %w", o, err)
		}

		var expired []interface{}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				expired = append(expired, keys[i])
				continue
			}
			var rec models.JobRecord
			if err := json.Unmarshal([]byte(s), &rec); err != nil {
				l.logger.Warn().Err(err).Str("key", keys[i]).Msg("Skipping unreadable job record")
				continue
			}
			records = append(records, rec)
		}

		if len(expired) > 0 {
			if err := l.client.ZRem(ctx, index, expired...).Err(); err != nil {
				l.logger.Debug().Err(err).Str("index", index).Msg("Failed to prune expired job records")
			}
		}
	}

	return newestFirst(records, limit), nil
}

type memoryJobLedger struct {
	mu        sync.Mutex
	records   []ledgerEntry
	retention RetentionPolicy
	now       func() time.Time
}

type ledgerEntry struct {
	record    models.JobRecord
	expiresAt time.Time
}

func NewMemoryJobLedger(retention RetentionPolicy) JobLedger {
	return &memoryJobLedger{
		retention: retention,
		now:       time.Now,
	}
}

func (l *memoryJobLedger) Record(_ context.Context, rec models.JobRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune()
	l.records = append(l.records, ledgerEntry{
		record:    rec,
		expiresAt: rec.FinishedAt.Add(l.retention.TTL(rec.Outcome)),
	})
	return nil
}

func (l *memoryJobLedger) List(_ context.Context, outcome models.JobOutcome, limit int) ([]models.JobRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune()
	var records []models.JobRecord
	for _, e := range l.records {
		if outcome == "" || e.record.Outcome == outcome {
			records = append(records, e.record)
		}
	}
	return newestFirst(records, clampLimit(limit)), nil
}

// prune must be called with l.mu held.
func (l *memoryJobLedger) prune() {
	now := l.now()
	kept := l.records[:0]
	for _, e := range l.records {
		if e.expiresAt.After(now) {
			kept = append(kept, e)
		}
	}
	l.records = kept
}

func newestFirst(records []models.JobRecord, limit int) []models.JobRecord {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].FinishedAt.After(records[j].FinishedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	if records == nil {
		records = []models.JobRecord{}
	}
	return records
}
