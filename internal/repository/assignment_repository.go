package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

type AssignmentRepository interface {
	Upsert(ctx context.Context, assignment *models.Assignment) error
	GetByID(ctx context.Context, id string) (*models.Assignment, error)
}

type assignmentRepository struct {
	*PostgresRepository
}

func NewAssignmentRepository(db *sql.DB, logger zerolog.Logger) AssignmentRepository {
	return &assignmentRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

func (r *assignmentRepository) Upsert(ctx context.Context, assignment *models.Assignment) error {
	schema, err := json.Marshal(assignment.Fields)
	if err != nil {
		return fmt.Errorf("marshal field schema: %w", err)
	}

	query := `
		INSERT INTO assignments (id, title, supervisor_ids, field_schema, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			supervisor_ids = EXCLUDED.supervisor_ids,
			field_schema = EXCLUDED.field_schema,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		assignment.ID,
		assignment.Title,
		pq.Array(assignment.SupervisorIDs),
		schema,
		assignment.CreatedAt,
		assignment.UpdatedAt,
	)
	return err
}

func (r *assignmentRepository) GetByID(ctx context.Context, id string) (*models.Assignment, error) {
	query := `
		SELECT id, title, supervisor_ids, field_schema, created_at, updated_at
		FROM assignments
		WHERE id = $1
	`

	a := &models.Assignment{}
	var schema []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID,
		&a.Title,
		pq.Array(&a.SupervisorIDs),
		&schema,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &a.Fields); err != nil {
			return nil, fmt.Errorf("decode field schema for %s: %w", id, err)
		}
	}

	return a, nil
}

type memoryAssignmentRepository struct {
	mu          sync.RWMutex
	assignments map[string]models.Assignment
}

func NewMemoryAssignmentRepository() AssignmentRepository {
	return &memoryAssignmentRepository{
		assignments: make(map[string]models.Assignment),
	}
}

func (r *memoryAssignmentRepository) Upsert(_ context.Context, assignment *models.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := cloneAssignment(assignment)
	if existing, ok := r.assignments[assignment.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	r.assignments[assignment.ID] = *stored
	return nil
}

func (r *memoryAssignmentRepository) GetByID(_ context.Context, id string) (*models.Assignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assignments[id]
	if !ok {
		return nil, ErrAssignmentNotFound
	}
	return cloneAssignment(&a), nil
}

func cloneAssignment(a *models.Assignment) *models.Assignment {
	out := *a
	out.SupervisorIDs = append([]string(nil), a.SupervisorIDs...)
	out.Fields = append([]models.FieldSchema(nil), a.Fields...)
	return &out
}
