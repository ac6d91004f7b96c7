package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	graphrepos "github.com/yungbote/smriti-backend/internal/data/repos/graph"
	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

const stageMirror = "mirror"

// GraphSink receives a full snapshot of one user's graph. Writes must be
// idempotent.
type GraphSink interface {
	UpsertThoughtGraph(ctx context.Context, userID uuid.UUID, nodes []*types.Node, edges []*types.Edge) error
}

type MirrorDeps struct {
	Log   *logger.Logger
	Nodes graphrepos.NodeRepo
	Edges graphrepos.EdgeRepo
	Sink  GraphSink
}

type MirrorOutput struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

// Mirror copies node metadata and edges to an external graph store. The
// relational store stays the source of truth.
type Mirror struct {
	deps MirrorDeps
}

func NewMirror(deps MirrorDeps) Mirror {
	return Mirror{deps: deps}
}

func (m Mirror) MirrorUser(ctx context.Context, userID uuid.UUID) (MirrorOutput, error) {
	var out MirrorOutput
	if m.deps.Sink == nil || m.deps.Nodes == nil || m.deps.Edges == nil {
		return out, fmt.Errorf("%w: graph mirror is not configured", apperr.ErrMissingConfig)
	}
	if userID == uuid.Nil {
		return out, fmt.Errorf("%w: user_id required", apperr.ErrInvalidArgument)
	}
	err := observeStage(ctx, stageMirror, func(ctx context.Context) error {
		dbc := dbctx.Background(ctx)
		nodes, err := m.deps.Nodes.ListByUser(dbc, userID, 0)
		if err != nil {
			return apperr.Persistence("list nodes", err)
		}
		edges, err := m.deps.Edges.ListByUser(dbc, userID, 0)
		if err != nil {
			return apperr.Persistence("list edges", err)
		}
		if err := m.deps.Sink.UpsertThoughtGraph(ctx, userID, nodes, edges); err != nil {
			return apperr.Transient("mirror", err)
		}
		out = MirrorOutput{Nodes: len(nodes), Edges: len(edges)}
		return nil
	}, attribute.Bool("single_user", true))
	if err != nil {
		return MirrorOutput{}, err
	}
	if m.deps.Log != nil {
		m.deps.Log.Info("graph mirrored", "user_id", userID, "nodes", out.Nodes, "edges", out.Edges)
	}
	return out, nil
}
