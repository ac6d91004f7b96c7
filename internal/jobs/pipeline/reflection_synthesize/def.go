package reflection_synthesize

import (
	"context"

	"github.com/yungbote/smriti-backend/internal/domain/jobs"
	"github.com/yungbote/smriti-backend/internal/modules/graph"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type Trigger interface {
	TriggerReflection(ctx context.Context, perUser, overall int) (graph.SynthesizeReflectionsOutput, error)
}

type Pipeline struct {
	log     *logger.Logger
	trigger Trigger
	perUser int
	overall int
}

func New(baseLog *logger.Logger, trigger Trigger, perUser, overall int) *Pipeline {
	return &Pipeline{
		log:     baseLog.With("job", jobs.TypeReflectionSynthesize),
		trigger: trigger,
		perUser: perUser,
		overall: overall,
	}
}

func (p *Pipeline) Type() string { return jobs.TypeReflectionSynthesize }
