package node_embed

import (
	"context"

	"github.com/yungbote/smriti-backend/internal/domain/jobs"
	"github.com/yungbote/smriti-backend/internal/modules/graph"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type Trigger interface {
	TriggerEmbedding(ctx context.Context, batchSize int) (graph.EmbedNodesOutput, error)
}

type Pipeline struct {
	log       *logger.Logger
	trigger   Trigger
	batchSize int
}

func New(baseLog *logger.Logger, trigger Trigger, batchSize int) *Pipeline {
	return &Pipeline{
		log:       baseLog.With("job", jobs.TypeNodeEmbed),
		trigger:   trigger,
		batchSize: batchSize,
	}
}

func (p *Pipeline) Type() string { return jobs.TypeNodeEmbed }
