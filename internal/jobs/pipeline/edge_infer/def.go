package edge_infer

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/smriti-backend/internal/domain/jobs"
	"github.com/yungbote/smriti-backend/internal/modules/graph"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type Trigger interface {
	TriggerEdgeInference(ctx context.Context, userID *uuid.UUID, batchSize int) (graph.InferEdgesOutput, error)
}

type Pipeline struct {
	log       *logger.Logger
	trigger   Trigger
	batchSize int
}

func New(baseLog *logger.Logger, trigger Trigger, batchSize int) *Pipeline {
	return &Pipeline{
		log:       baseLog.With("job", jobs.TypeEdgeInfer),
		trigger:   trigger,
		batchSize: batchSize,
	}
}

func (p *Pipeline) Type() string { return jobs.TypeEdgeInfer }
