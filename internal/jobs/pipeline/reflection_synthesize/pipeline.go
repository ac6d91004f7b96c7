package reflection_synthesize

import (
	jobrt "github.com/yungbote/smriti-backend/internal/jobs/runtime"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	perUser := jc.PayloadInt("batch_size_per_user", p.perUser)
	overall := jc.PayloadInt("overall_batch_size", p.overall)

	jc.Progress("reflect", 5, "Synthesizing reflections")
	out, err := p.trigger.TriggerReflection(jc.Ctx, perUser, overall)
	if err != nil {
		jc.Fail("reflect", err)
		return nil
	}
	p.log.Info("reflection_synthesize done", "users", out.Users, "success", out.Success, "errors", out.Errors)
	jc.Succeed("done", out)
	return nil
}
