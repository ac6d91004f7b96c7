package node_embed

import (
	jobrt "github.com/yungbote/smriti-backend/internal/jobs/runtime"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	batch := jc.PayloadInt("batch_size", p.batchSize)

	jc.Progress("embed", 5, "Embedding new nodes")
	out, err := p.trigger.TriggerEmbedding(jc.Ctx, batch)
	if err != nil {
		jc.Fail("embed", err)
		return nil
	}
	p.log.Info("node_embed done", "claimed", out.Claimed, "embedded", out.Embedded, "skipped", out.Skipped, "failed", out.Failed)
	jc.Succeed("done", out)
	return nil
}
