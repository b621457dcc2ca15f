package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/RubachokBoss/practicum-enrichment/internal/auth"
	"github.com/RubachokBoss/practicum-enrichment/internal/broadcast"
	"github.com/RubachokBoss/practicum-enrichment/internal/models"
	"github.com/RubachokBoss/practicum-enrichment/internal/repository"
)

// AccessService answers who may see or change what. Participants own their
// submissions, supervisors see every submission of the assignments they
// supervise, admins see everything.
type AccessService struct {
	submissions repository.SubmissionRepository
	assignments repository.AssignmentRepository
	logger      zerolog.Logger
}

func NewAccessService(submissions repository.SubmissionRepository, assignments repository.AssignmentRepository, logger zerolog.Logger) *AccessService {
	return &AccessService{
		submissions: submissions,
		assignments: assignments,
		logger:      logger,
	}
}

// AuthorizeRoom admits the owner to a submission room and supervisors to an
// assignment room.
func (a *AccessService) AuthorizeRoom(ctx context.Context, p auth.Principal, room broadcast.Room, id string) error {
	switch room {
	case broadcast.RoomSubmission:
		sub, err := a.submissions.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if p.IsAdmin() || sub.ParticipantID == p.UserID {
			return nil
		}
	case broadcast.RoomAssignment:
		return a.RequireSupervisor(ctx, p, id)
	default:
		return fmt.Errorf("%w: unknown room %q", ErrValidation, room)
	}
	return ErrForbidden
}

func (a *AccessService) RequireSupervisor(ctx context.Context, p auth.Principal, assignmentID string) error {
	assignment, err := a.assignments.GetByID(ctx, assignmentID)
	if err != nil {
		return err
	}
	if p.IsAdmin() || assignment.IsSupervisor(p.UserID) {
		return nil
	}
	return ErrForbidden
}

func (a *AccessService) RequireOwner(p auth.Principal, sub *models.Submission) error {
	if sub.ParticipantID != p.UserID {
		return ErrForbidden
	}
	return nil
}

// CanRead allows the owner, the assignment's supervisors and admins.
func (a *AccessService) CanRead(ctx context.Context, p auth.Principal, sub *models.Submission) error {
	if p.IsAdmin() || sub.ParticipantID == p.UserID {
		return nil
	}
	return a.RequireSupervisor(ctx, p, sub.AssignmentID)
}

func RequireAdmin(p auth.Principal) error {
	if !p.IsAdmin() {
		return ErrForbidden
	}
	return nil
}
