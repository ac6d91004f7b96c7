package graph

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/domain/graph"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type ReflectionRepo interface {
	// CreateWithEdges stores r and its ordered edge references. It fails if any
	// edge already belongs to a reflection.
	CreateWithEdges(dbc dbctx.Context, r *types.Reflection, edgeIDs []uuid.UUID) error
	GetByID(dbc dbctx.Context, userID, id uuid.UUID) (*types.Reflection, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Reflection, error)
	SetFeedback(dbc dbctx.Context, userID, id uuid.UUID, feedback int) error
	Delete(dbc dbctx.Context, userID, id uuid.UUID) error
}

type reflectionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewReflectionRepo(db *gorm.DB, baseLog *logger.Logger) ReflectionRepo {
	return &reflectionRepo{db: db, log: baseLog.With("repo", "ReflectionRepo")}
}

func (r *reflectionRepo) CreateWithEdges(dbc dbctx.Context, refl *types.Reflection, edgeIDs []uuid.UUID) error {
	if refl == nil {
		return fmt.Errorf("nil reflection: %w", apperr.ErrInvalidArgument)
	}
	if len(edgeIDs) == 0 {
		return fmt.Errorf("reflection without edges: %w", apperr.ErrInvalidArgument)
	}
	return dbc.Conn(r.db).Transaction(func(txx *gorm.DB) error {
		refl.Edges = nil
		if err := txx.Omit("Edges").Create(refl).Error; err != nil {
			return err
		}
		links := make([]types.ReflectionEdge, 0, len(edgeIDs))
		for i, id := range edgeIDs {
			links = append(links, types.ReflectionEdge{ReflectionID: refl.ID, Position: i, EdgeID: id})
		}
		if err := txx.Create(&links).Error; err != nil {
			return err
		}
		refl.Edges = links
		return nil
	})
}

func (r *reflectionRepo) GetByID(dbc dbctx.Context, userID, id uuid.UUID) (*types.Reflection, error) {
	var out types.Reflection
	err := dbc.Conn(r.db).
		Preload("Edges", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id = ? AND user_id = ?", id, userID).
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *reflectionRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Reflection, error) {
	q := dbc.Conn(r.db).
		Preload("Edges", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("user_id = ?", userID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.Reflection
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SetFeedback records -1, 0 or 1. Zero clears the feedback.
func (r *reflectionRepo) SetFeedback(dbc dbctx.Context, userID, id uuid.UUID, feedback int) error {
	if !graph.ValidFeedback(feedback) {
		return fmt.Errorf("feedback %d: %w", feedback, apperr.ErrInvalidArgument)
	}
	var value interface{} = feedback
	if feedback == graph.FeedbackNeutral {
		value = nil
	}
	res := dbc.Conn(r.db).Model(&types.Reflection{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("feedback", value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// Delete removes the reflection and its edge references. Edges are untouched.
func (r *reflectionRepo) Delete(dbc dbctx.Context, userID, id uuid.UUID) error {
	return dbc.Conn(r.db).Transaction(func(txx *gorm.DB) error {
		res := txx.Where("id = ? AND user_id = ?", id, userID).Delete(&types.Reflection{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.ErrNotFound
		}
		return txx.Where("reflection_id = ?", id).Delete(&types.ReflectionEdge{}).Error
	})
}
