package graph_mirror

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/smriti-backend/internal/domain/jobs"
	"github.com/yungbote/smriti-backend/internal/modules/graph"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type Mirror interface {
	MirrorUser(ctx context.Context, userID uuid.UUID) (graph.MirrorOutput, error)
}

type Pipeline struct {
	log    *logger.Logger
	mirror Mirror
}

func New(baseLog *logger.Logger, mirror Mirror) *Pipeline {
	return &Pipeline{
		log:    baseLog.With("job", jobs.TypeGraphMirror),
		mirror: mirror,
	}
}

func (p *Pipeline) Type() string { return jobs.TypeGraphMirror }
