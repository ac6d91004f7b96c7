package graph

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type ErrorLogRepo interface {
	Create(dbc dbctx.Context, entries ...*types.ErrorLog) error
	List(dbc dbctx.Context, userID *uuid.UUID, stage string, limit int) ([]*types.ErrorLog, error)
}

type errorLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewErrorLogRepo(db *gorm.DB, baseLog *logger.Logger) ErrorLogRepo {
	return &errorLogRepo{db: db, log: baseLog.With("repo", "ErrorLogRepo")}
}

func (r *errorLogRepo) Create(dbc dbctx.Context, entries ...*types.ErrorLog) error {
	if len(entries) == 0 {
		return nil
	}
	if err := dbc.Conn(r.db).Create(&entries).Error; err != nil {
		return err
	}
	for _, e := range entries {
		r.log.Warn("Item needs manual follow-up",
			"stage", e.Stage,
			"error_type", e.ErrorType,
			"user_id", e.UserID,
			"node_id", e.NodeID,
			"edge_id", e.EdgeID,
		)
	}
	return nil
}

func (r *errorLogRepo) List(dbc dbctx.Context, userID *uuid.UUID, stage string, limit int) ([]*types.ErrorLog, error) {
	q := dbc.Conn(r.db).Order("created_at DESC")
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}
	if stage != "" {
		q = q.Where("stage = ?", stage)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.ErrorLog
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
