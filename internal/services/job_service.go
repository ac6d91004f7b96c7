package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobrepos "github.com/yungbote/smriti-backend/internal/data/repos/jobs"
	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/domain/jobs"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

// JobService enqueues and inspects stage runs executed by the worker pool.
type JobService interface {
	Enqueue(dbc dbctx.Context, ownerUserID *uuid.UUID, jobType string, payload map[string]any) (*types.JobRun, error)
	// EnqueueIfIdle skips the insert when a queued or running run of the same
	// type and owner already exists.
	EnqueueIfIdle(dbc dbctx.Context, ownerUserID *uuid.UUID, jobType string, payload map[string]any) (*types.JobRun, bool, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error)
	ListRecent(dbc dbctx.Context, jobType string, limit int) ([]*types.JobRun, error)
	Cancel(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error)
}

var stageJobTypes = map[string]bool{
	jobs.TypeNodeEmbed:            true,
	jobs.TypeEdgeInfer:            true,
	jobs.TypeReflectionSynthesize: true,
	jobs.TypeGraphMirror:          true,
}

type jobService struct {
	db   *gorm.DB
	log  *logger.Logger
	repo jobrepos.JobRunRepo
}

func NewJobService(db *gorm.DB, baseLog *logger.Logger, repo jobrepos.JobRunRepo) JobService {
	return &jobService{
		db:   db,
		log:  baseLog.With("service", "JobService"),
		repo: repo,
	}
}

func (s *jobService) Enqueue(dbc dbctx.Context, ownerUserID *uuid.UUID, jobType string, payload map[string]any) (*types.JobRun, error) {
	if !stageJobTypes[jobType] {
		return nil, fmt.Errorf("%w: unknown job_type %q", apperr.ErrInvalidArgument, jobType)
	}
	if ownerUserID != nil && *ownerUserID == uuid.Nil {
		ownerUserID = nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", apperr.ErrInvalidArgument, err)
	}
	now := time.Now().UTC()
	job := &types.JobRun{
		ID:          uuid.New(),
		OwnerUserID: ownerUserID,
		JobType:     jobType,
		Status:      jobs.StatusQueued,
		Stage:       jobs.StatusQueued,
		Payload:     datatypes.JSON(b),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.repo.Create(dbc, []*types.JobRun{job}); err != nil {
		return nil, apperr.Persistence("enqueue job", err)
	}
	s.log.Info("job enqueued", "job_id", job.ID, "job_type", jobType)
	return job, nil
}

func (s *jobService) EnqueueIfIdle(dbc dbctx.Context, ownerUserID *uuid.UUID, jobType string, payload map[string]any) (*types.JobRun, bool, error) {
	var out *types.JobRun
	enqueued := false
	err := dbc.Conn(s.db).Transaction(func(tx *gorm.DB) error {
		inner := dbc.WithTx(tx)
		busy, err := s.repo.ExistsRunnable(inner, jobType, ownerUserID)
		if err != nil {
			return apperr.Persistence("check runnable", err)
		}
		if busy {
			return nil
		}
		out, err = s.Enqueue(inner, ownerUserID, jobType, payload)
		if err != nil {
			return err
		}
		enqueued = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, enqueued, nil
}

func (s *jobService) Get(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error) {
	rows, err := s.repo.GetByIDs(dbc, []uuid.UUID{id})
	if err != nil {
		return nil, apperr.Persistence("get job", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	return rows[0], nil
}

func (s *jobService) ListRecent(dbc dbctx.Context, jobType string, limit int) ([]*types.JobRun, error) {
	rows, err := s.repo.ListRecent(dbc, jobType, limit)
	if err != nil {
		return nil, apperr.Persistence("list jobs", err)
	}
	return rows, nil
}

// Cancel is a no-op for runs that already reached a terminal status.
func (s *jobService) Cancel(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error) {
	now := time.Now().UTC()
	if _, err := s.repo.UpdateFieldsUnlessStatus(dbc, id,
		[]string{jobs.StatusSucceeded, jobs.StatusFailed, jobs.StatusCanceled},
		map[string]interface{}{
			"status":     jobs.StatusCanceled,
			"stage":      jobs.StatusCanceled,
			"locked_at":  nil,
			"updated_at": now,
		}); err != nil {
		return nil, apperr.Persistence("cancel job", err)
	}
	return s.Get(dbc, id)
}
