package graph

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/domain/graph"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type NodeRepo interface {
	Create(dbc dbctx.Context, nodes []*types.Node) ([]*types.Node, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Node, error)
	ListIndexable(dbc dbctx.Context, userID uuid.UUID) ([]*types.Node, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Node, error)
	CountByState(dbc dbctx.Context, userID *uuid.UUID) (map[string]int64, error)
	CountFailed(dbc dbctx.Context, userID *uuid.UUID) (int64, error)
}

type nodeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewNodeRepo(db *gorm.DB, baseLog *logger.Logger) NodeRepo {
	return &nodeRepo{db: db, log: baseLog.With("repo", "NodeRepo")}
}

func (r *nodeRepo) Create(dbc dbctx.Context, nodes []*types.Node) ([]*types.Node, error) {
	if len(nodes) == 0 {
		return []*types.Node{}, nil
	}
	if err := dbc.Conn(r.db).Create(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetByIDs returns the found nodes keyed in the order the store yields them.
func (r *nodeRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Node, error) {
	var out []*types.Node
	if len(ids) == 0 {
		return out, nil
	}
	if err := dbc.Conn(r.db).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListIndexable returns the user's nodes that can take part in similarity
// search: embedded or later, with a stored vector.
func (r *nodeRepo) ListIndexable(dbc dbctx.Context, userID uuid.UUID) ([]*types.Node, error) {
	var out []*types.Node
	err := dbc.Conn(r.db).
		Select("id", "user_id", "session_id", "emotion", "theme", "cognition_type", "embedding", "processing_state", "created_at").
		Where("user_id = ?", userID).
		Where("processing_state IN ?", []string{graph.NodeStateEmbedded, graph.NodeStateEdgeProcessed}).
		Where("embedding IS NOT NULL").
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByUser returns node metadata without text or vectors, oldest first.
func (r *nodeRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Node, error) {
	q := dbc.Conn(r.db).
		Select("id", "user_id", "session_id", "emotion", "theme", "cognition_type", "processing_state", "created_at", "updated_at").
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.Node
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *nodeRepo) CountByState(dbc dbctx.Context, userID *uuid.UUID) (map[string]int64, error) {
	return countByState(dbc.Conn(r.db).Model(&types.Node{}), userID)
}

func (r *nodeRepo) CountFailed(dbc dbctx.Context, userID *uuid.UUID) (int64, error) {
	q := dbc.Conn(r.db).Model(&types.Node{}).Where("failed_at IS NOT NULL")
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func countByState(q *gorm.DB, userID *uuid.UUID) (map[string]int64, error) {
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}
	var rows []struct {
		ProcessingState string
		N               int64
	}
	if err := q.Select("processing_state, COUNT(*) AS n").Group("processing_state").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.ProcessingState] = row.N
	}
	return out, nil
}
