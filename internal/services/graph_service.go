package services

import (
	"fmt"

	"github.com/google/uuid"

	graphrepos "github.com/yungbote/smriti-backend/internal/data/repos/graph"
	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type GraphStats struct {
	Nodes       map[string]int64 `json:"nodes"`
	Edges       map[string]int64 `json:"edges"`
	FailedNodes int64            `json:"failed_nodes"`
}

// GraphService is the read side of the graph plus reflection feedback. It
// never decrypts content.
type GraphService interface {
	Stats(dbc dbctx.Context, userID *uuid.UUID) (*GraphStats, error)
	ListErrors(dbc dbctx.Context, userID *uuid.UUID, stage string, limit int) ([]*types.ErrorLog, error)
	ListReflections(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Reflection, error)
	SetReflectionFeedback(dbc dbctx.Context, userID, reflectionID uuid.UUID, feedback int) error
	DeleteReflection(dbc dbctx.Context, userID, reflectionID uuid.UUID) error
}

type graphService struct {
	log         *logger.Logger
	nodes       graphrepos.NodeRepo
	edges       graphrepos.EdgeRepo
	reflections graphrepos.ReflectionRepo
	errs        graphrepos.ErrorLogRepo
}

func NewGraphService(baseLog *logger.Logger, nodes graphrepos.NodeRepo, edges graphrepos.EdgeRepo, reflections graphrepos.ReflectionRepo, errs graphrepos.ErrorLogRepo) GraphService {
	return &graphService{
		log:         baseLog.With("service", "GraphService"),
		nodes:       nodes,
		edges:       edges,
		reflections: reflections,
		errs:        errs,
	}
}

func (s *graphService) Stats(dbc dbctx.Context, userID *uuid.UUID) (*GraphStats, error) {
	nodes, err := s.nodes.CountByState(dbc, userID)
	if err != nil {
		return nil, apperr.Persistence("count nodes", err)
	}
	edges, err := s.edges.CountByState(dbc, userID)
	if err != nil {
		return nil, apperr.Persistence("count edges", err)
	}
	failed, err := s.nodes.CountFailed(dbc, userID)
	if err != nil {
		return nil, apperr.Persistence("count failed nodes", err)
	}
	return &GraphStats{Nodes: nodes, Edges: edges, FailedNodes: failed}, nil
}

func (s *graphService) ListErrors(dbc dbctx.Context, userID *uuid.UUID, stage string, limit int) ([]*types.ErrorLog, error) {
	rows, err := s.errs.List(dbc, userID, stage, limit)
	if err != nil {
		return nil, apperr.Persistence("list error log", err)
	}
	return rows, nil
}

func (s *graphService) ListReflections(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Reflection, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing user_id", apperr.ErrInvalidArgument)
	}
	rows, err := s.reflections.ListByUser(dbc, userID, limit)
	if err != nil {
		return nil, apperr.Persistence("list reflections", err)
	}
	return rows, nil
}

func (s *graphService) SetReflectionFeedback(dbc dbctx.Context, userID, reflectionID uuid.UUID, feedback int) error {
	if err := s.reflections.SetFeedback(dbc, userID, reflectionID, feedback); err != nil {
		return err
	}
	s.log.Info("reflection feedback recorded", "user_id", userID, "reflection_id", reflectionID, "feedback", feedback)
	return nil
}

func (s *graphService) DeleteReflection(dbc dbctx.Context, userID, reflectionID uuid.UUID) error {
	return s.reflections.Delete(dbc, userID, reflectionID)
}
