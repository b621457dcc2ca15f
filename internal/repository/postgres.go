package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

type PostgresRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewPostgresRepository(db *sql.DB, logger zerolog.Logger) *PostgresRepository {
	return &PostgresRepository{
		db:     db,
		logger: logger,
	}
}

// withTx runs fn inside a transaction, committing on success.
func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func pqErrorCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// nullJSON maps an empty raw message to SQL NULL.
func nullJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
