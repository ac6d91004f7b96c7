package graph_mirror

import (
	"fmt"

	"github.com/google/uuid"

	jobrt "github.com/yungbote/smriti-backend/internal/jobs/runtime"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
)

// Run mirrors the payload user_id, falling back to the run owner.
func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	userID, ok := jc.PayloadUUID("user_id")
	if !ok && jc.Job.OwnerUserID != nil {
		userID, ok = *jc.Job.OwnerUserID, true
	}
	if !ok || userID == uuid.Nil {
		jc.Fail("validate", fmt.Errorf("%w: graph_mirror needs user_id", apperr.ErrInvalidArgument))
		return nil
	}

	jc.Progress("mirror", 5, "Mirroring graph")
	out, err := p.mirror.MirrorUser(jc.Ctx, userID)
	if err != nil {
		jc.Fail("mirror", err)
		return nil
	}
	p.log.Info("graph_mirror done", "nodes", out.Nodes, "edges", out.Edges)
	jc.Succeed("done", out)
	return nil
}
