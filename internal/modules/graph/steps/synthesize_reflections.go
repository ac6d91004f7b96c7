package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/smriti-backend/internal/data/claim"
	graphrepos "github.com/yungbote/smriti-backend/internal/data/repos/graph"
	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/domain/graph"
	"github.com/yungbote/smriti-backend/internal/observability"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
	"github.com/yungbote/smriti-backend/internal/services"
)

type SynthesizeReflectionsDeps struct {
	DB          *gorm.DB
	Log         *logger.Logger
	Claims      *claim.Coordinator
	Nodes       graphrepos.NodeRepo
	Edges       graphrepos.EdgeRepo
	Reflections graphrepos.ReflectionRepo
	Errors      graphrepos.ErrorLogRepo
	Synthesizer services.Synthesizer
	Cipher      services.Cipher
}

type SynthesizeReflectionsInput struct {
	UserID           *uuid.UUID
	BatchSizePerUser int
	OverallBatchSize int
	// Clustering groups edges into connected components. Off, every edge is
	// reflected on its own.
	Clustering bool
}

type SynthesizeReflectionsOutput struct {
	Users          int `json:"users"`
	Processed      int `json:"processed"`
	Success        int `json:"success"`
	Errors         int `json:"errors"`
	EdgesClaimed   int `json:"edges_claimed"`
	EdgesReflected int `json:"edges_reflected"`
}

// SynthesizeReflections turns clusters of new edges into reflections, one per
// connected component, and moves the edges to reflection_processed.
func SynthesizeReflections(ctx context.Context, deps SynthesizeReflectionsDeps, in SynthesizeReflectionsInput) (SynthesizeReflectionsOutput, error) {
	out := SynthesizeReflectionsOutput{}
	if deps.DB == nil || deps.Log == nil || deps.Claims == nil || deps.Nodes == nil || deps.Edges == nil || deps.Reflections == nil || deps.Errors == nil || deps.Synthesizer == nil || deps.Cipher == nil {
		return out, fmt.Errorf("synthesize_reflections: missing deps: %w", apperr.ErrMissingConfig)
	}
	if in.BatchSizePerUser <= 0 || in.OverallBatchSize <= 0 {
		return out, nil
	}
	if err := preflight(ctx, deps.Synthesizer, deps.Cipher); err != nil {
		return out, fmt.Errorf("synthesize_reflections: preflight: %w", err)
	}

	log := deps.Log.With("stage", graph.StageReflection)
	dbc := dbctx.Background(ctx)

	var users []uuid.UUID
	if in.UserID != nil {
		users = []uuid.UUID{*in.UserID}
	} else {
		var err error
		users, err = deps.Claims.PendingUsers(dbc, graph.EdgeStateCreated)
		if err != nil {
			return out, fmt.Errorf("synthesize_reflections: pending users: %w", err)
		}
	}

	remaining := in.OverallBatchSize
	for _, userID := range users {
		if ctx.Err() != nil || remaining <= 0 {
			break
		}
		limit := in.BatchSizePerUser
		if limit > remaining {
			limit = remaining
		}
		res, err := reflectForUser(ctx, deps, log.With("user_id", userID), userID, limit, in.Clustering)
		remaining -= res.EdgesClaimed
		if res.EdgesClaimed > 0 {
			out.Users++
		}
		out.Processed += res.Processed
		out.Success += res.Success
		out.Errors += res.Errors
		out.EdgesClaimed += res.EdgesClaimed
		out.EdgesReflected += res.EdgesReflected
		if err != nil {
			log.Warn("Reflection synthesis for user failed", "user_id", userID, "error", err)
			out.Errors++
		}
	}

	m := observability.Current()
	m.AddStageItems(graph.StageReflection, "cluster_processed", out.Processed)
	m.AddStageItems(graph.StageReflection, "reflection_created", out.Success)
	m.AddStageItems(graph.StageReflection, "failed", out.Errors)
	m.AddStageItems(graph.StageReflection, "edge_reflected", out.EdgesReflected)

	log.Info("Reflection synthesis done",
		"users", out.Users,
		"processed", out.Processed,
		"success", out.Success,
		"errors", out.Errors,
		"edges_claimed", out.EdgesClaimed,
		"edges_reflected", out.EdgesReflected,
	)
	return out, ctx.Err()
}

// reflectForUser runs one user's batch. Clusters are handled one after the
// other so a user's reflections come out in a stable order.
func reflectForUser(ctx context.Context, deps SynthesizeReflectionsDeps, log *logger.Logger, userID uuid.UUID, limit int, connect bool) (SynthesizeReflectionsOutput, error) {
	res := SynthesizeReflectionsOutput{}
	dbc := dbctx.Background(ctx)
	lease, err := deps.Claims.Claim(dbc, claim.Query{State: graph.EdgeStateCreated, UserID: &userID, Limit: limit})
	if err != nil {
		return res, err
	}
	if lease.Empty() {
		return res, nil
	}
	res.EdgesClaimed = len(lease.IDs)
	held := newHeldSet(lease.IDs)
	defer releaseRemaining(ctx, log, deps.Claims, lease, held)

	edges, err := deps.Edges.GetByIDs(dbc, lease.IDs)
	if err != nil {
		return res, apperr.Persistence("load edges", err)
	}

	for _, cl := range ClusterEdges(edges, connect) {
		if ctx.Err() != nil {
			break
		}
		res.Processed++
		n, err := reflectCluster(ctx, deps, log, lease, held, userID, cl)
		if err != nil {
			res.Errors++
			continue
		}
		if n > 0 {
			res.Success++
			res.EdgesReflected += n
		}
	}
	return res, nil
}

// reflectCluster returns how many edges the new reflection references. A
// cluster that cannot be synthesized is advanced without one and reported as
// an error.
func reflectCluster(ctx context.Context, deps SynthesizeReflectionsDeps, log *logger.Logger, lease *claim.Lease, held *heldSet, userID uuid.UUID, cl Cluster) (int, error) {
	edgeIDs := cl.EdgeIDs()
	clog := log.With("edges", len(edgeIDs), "nodes", len(cl.NodeIDs))
	wdbc := dbctx.Background(context.WithoutCancel(ctx))
	edgeLog := func(errorType string) func(uuid.UUID) *types.ErrorLog {
		return func(id uuid.UUID) *types.ErrorLog {
			return &types.ErrorLog{UserID: userID, EdgeID: &id, Stage: graph.StageReflection, ErrorType: errorType}
		}
	}
	retry := func(cause error) error {
		releaseWithCause(wdbc, deps.Claims, deps.Errors, clog, lease, held, edgeIDs, cause, edgeLog(graph.ErrorTypeReflectionExhausted))
		return cause
	}

	nodes, err := deps.Nodes.GetByIDs(wdbc, cl.NodeIDs)
	if err != nil {
		return 0, retry(apperr.Persistence("load nodes", err))
	}
	byID := make(map[uuid.UUID]*types.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	texts := make([]string, 0, len(cl.NodeIDs))
	for _, id := range cl.NodeIDs {
		n := byID[id]
		if n == nil || n.UserID != userID {
			clog.Warn("Cluster node missing or owned by another user", "node_id", id)
			continue
		}
		plain, err := deps.Cipher.Decrypt(ctx, n.UserID, n.Text)
		if err != nil {
			clog.Error("Node text could not be decrypted", "node_id", id, "error", err)
			failWithLog(wdbc, deps.Claims, deps.Errors, clog, lease, held, edgeIDs, err, edgeLog(graph.ErrorTypeDecryptFailed))
			return 0, err
		}
		texts = append(texts, plain)
	}

	text, err := deps.Synthesizer.Synthesize(ctx, texts)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return 0, err
		}
		if apperr.IsPermanentContent(err) {
			// advance so the cluster is not retried forever
			clog.Warn("Cluster not synthesizable, advancing without reflection", "error", err)
			if _, cerr := deps.Claims.Commit(wdbc, lease, edgeIDs, graph.EdgeStateCreated, map[string]interface{}{
				"processing_state": graph.EdgeStateReflectionProcessed,
			}); cerr != nil && !errors.Is(cerr, apperr.ErrLeaseLost) {
				return 0, retry(cerr)
			}
			held.done(edgeIDs...)
			return 0, err
		}
		return 0, retry(err)
	}

	sealed, err := deps.Cipher.Encrypt(ctx, userID, text)
	if err != nil {
		clog.Error("Reflection text could not be encrypted", "error", err)
		failWithLog(wdbc, deps.Claims, deps.Errors, clog, lease, held, edgeIDs, err, edgeLog(graph.ErrorTypeEncryptFailed))
		return 0, err
	}

	refl := &types.Reflection{UserID: userID, GeneratedText: sealed}
	if err := refl.SetNodeIDs(cl.NodeIDs); err != nil {
		return 0, retry(apperr.Persistence("node snapshot", err))
	}
	err = deps.DB.WithContext(wdbc.Ctx).Transaction(func(tx *gorm.DB) error {
		tdbc := wdbc.WithTx(tx)
		if err := deps.Reflections.CreateWithEdges(tdbc, refl, edgeIDs); err != nil {
			return err
		}
		_, err := deps.Claims.Commit(tdbc, lease, edgeIDs, graph.EdgeStateCreated, map[string]interface{}{
			"processing_state": graph.EdgeStateReflectionProcessed,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrLeaseLost) {
			clog.Warn("Lease lost before commit; reflection rolled back")
			held.done(edgeIDs...)
			return 0, err
		}
		return 0, retry(apperr.Persistence("store reflection", err))
	}
	held.done(edgeIDs...)
	clog.Debug("Reflection stored", "reflection_id", refl.ID)
	return len(edgeIDs), nil
}
