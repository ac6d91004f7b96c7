package graph

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/domain/graph"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type EdgeRepo interface {
	// CreateIfAbsent inserts e in canonical order and reports false when the
	// (user, from, to) pair already exists.
	CreateIfAbsent(dbc dbctx.Context, e *types.Edge) (bool, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Edge, error)
	LinkedNodeIDs(dbc dbctx.Context, userID, nodeID uuid.UUID) ([]uuid.UUID, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Edge, error)
	CountByState(dbc dbctx.Context, userID *uuid.UUID) (map[string]int64, error)
}

type edgeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEdgeRepo(db *gorm.DB, baseLog *logger.Logger) EdgeRepo {
	return &edgeRepo{db: db, log: baseLog.With("repo", "EdgeRepo")}
}

func (r *edgeRepo) CreateIfAbsent(dbc dbctx.Context, e *types.Edge) (bool, error) {
	if e == nil {
		return false, nil
	}
	if e.FromNodeID == e.ToNodeID {
		return false, fmt.Errorf("self edge on %s: %w", e.FromNodeID, apperr.ErrInvalidArgument)
	}
	if e.MatchStrength < 0 || e.MatchStrength > 1 {
		return false, fmt.Errorf("match_strength %v out of range: %w", e.MatchStrength, apperr.ErrInvalidArgument)
	}
	e.FromNodeID, e.ToNodeID = graph.CanonicalPair(e.FromNodeID, e.ToNodeID)
	res := dbc.Conn(r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "from_node_id"}, {Name: "to_node_id"}},
			DoNothing: true,
		}).
		Create(e)
	if res.Error != nil {
		if apperr.IsUniqueViolation(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *edgeRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Edge, error) {
	var out []*types.Edge
	if len(ids) == 0 {
		return out, nil
	}
	if err := dbc.Conn(r.db).Where("id IN ?", ids).Order("created_at ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// LinkedNodeIDs returns every node already joined to nodeID by an edge.
func (r *edgeRepo) LinkedNodeIDs(dbc dbctx.Context, userID, nodeID uuid.UUID) ([]uuid.UUID, error) {
	var rows []struct {
		FromNodeID uuid.UUID
		ToNodeID   uuid.UUID
	}
	err := dbc.Conn(r.db).Model(&types.Edge{}).
		Select("from_node_id", "to_node_id").
		Where("user_id = ?", userID).
		Where("from_node_id = ? OR to_node_id = ?", nodeID, nodeID).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		if row.FromNodeID == nodeID {
			out = append(out, row.ToNodeID)
		} else {
			out = append(out, row.FromNodeID)
		}
	}
	return out, nil
}

func (r *edgeRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Edge, error) {
	q := dbc.Conn(r.db).Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.Edge
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *edgeRepo) CountByState(dbc dbctx.Context, userID *uuid.UUID) (map[string]int64, error) {
	return countByState(dbc.Conn(r.db).Model(&types.Edge{}), userID)
}
