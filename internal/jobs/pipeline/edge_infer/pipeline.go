package edge_infer

import (
	"github.com/google/uuid"

	jobrt "github.com/yungbote/smriti-backend/internal/jobs/runtime"
)

// Run scopes inference to the payload user_id, then the run owner, then every
// user with pending nodes.
func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	var userID *uuid.UUID
	if id, ok := jc.PayloadUUID("user_id"); ok {
		userID = &id
	} else if jc.Job.OwnerUserID != nil {
		userID = jc.Job.OwnerUserID
	}
	batch := jc.PayloadInt("batch_size", p.batchSize)

	jc.Progress("infer", 5, "Inferring edges")
	out, err := p.trigger.TriggerEdgeInference(jc.Ctx, userID, batch)
	if err != nil {
		jc.Fail("infer", err)
		return nil
	}
	p.log.Info("edge_infer done", "users", out.Users, "processed", out.Processed, "edges_created", out.EdgesCreated, "errors", out.Errors)
	jc.Succeed("done", out)
	return nil
}
