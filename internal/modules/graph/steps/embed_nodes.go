package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
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

type EmbedNodesDeps struct {
	DB       *gorm.DB
	Log      *logger.Logger
	Claims   *claim.Coordinator
	Nodes    graphrepos.NodeRepo
	Errors   graphrepos.ErrorLogRepo
	Embedder services.Embedder
	Cipher   services.Cipher
}

type EmbedNodesInput struct {
	BatchSize     int
	Concurrency   int
	MinTextLength int
}

type EmbedNodesOutput struct {
	Claimed   int `json:"claimed"`
	Embedded  int `json:"embedded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

type embedCounters struct {
	embedded, skipped, failed, exhausted atomic.Int64
}

// EmbedNodes claims up to BatchSize created nodes and moves each to embedded,
// with a vector or, for short or unembeddable text, without one.
func EmbedNodes(ctx context.Context, deps EmbedNodesDeps, in EmbedNodesInput) (EmbedNodesOutput, error) {
	out := EmbedNodesOutput{}
	if deps.DB == nil || deps.Log == nil || deps.Claims == nil || deps.Nodes == nil || deps.Errors == nil || deps.Embedder == nil || deps.Cipher == nil {
		return out, fmt.Errorf("embed_nodes: missing deps: %w", apperr.ErrMissingConfig)
	}
	if in.BatchSize <= 0 {
		return out, nil
	}
	if in.MinTextLength <= 0 {
		in.MinTextLength = 3
	}
	if err := preflight(ctx, deps.Embedder, deps.Cipher); err != nil {
		return out, fmt.Errorf("embed_nodes: preflight: %w", err)
	}

	log := deps.Log.With("stage", graph.StageEmbedding)
	dbc := dbctx.Background(ctx)

	lease, err := deps.Claims.Claim(dbc, claim.Query{State: graph.NodeStateCreated, Limit: in.BatchSize})
	if err != nil {
		return out, fmt.Errorf("embed_nodes: claim: %w", err)
	}
	if lease.Empty() {
		return out, nil
	}
	out.Claimed = len(lease.IDs)
	held := newHeldSet(lease.IDs)
	defer releaseRemaining(ctx, log, deps.Claims, lease, held)

	nodes, err := deps.Nodes.GetByIDs(dbc, lease.IDs)
	if err != nil {
		return out, fmt.Errorf("embed_nodes: load nodes: %w", apperr.Persistence("load nodes", err))
	}

	var c embedCounters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(boundedConcurrency(in.Concurrency, len(nodes)))
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			embedOne(gctx, deps, log, lease, held, n, in.MinTextLength, &c)
			return nil
		})
	}
	_ = g.Wait()

	out.Embedded = int(c.embedded.Load())
	out.Skipped = int(c.skipped.Load())
	out.Failed = int(c.failed.Load())
	out.Exhausted = int(c.exhausted.Load())

	m := observability.Current()
	m.AddStageItems(graph.StageEmbedding, "embedded", out.Embedded)
	m.AddStageItems(graph.StageEmbedding, "skipped", out.Skipped)
	m.AddStageItems(graph.StageEmbedding, "failed", out.Failed)
	m.AddStageItems(graph.StageEmbedding, "exhausted", out.Exhausted)

	log.Info("Embedding batch done",
		"claimed", out.Claimed,
		"embedded", out.Embedded,
		"skipped", out.Skipped,
		"failed", out.Failed,
		"exhausted", out.Exhausted,
	)
	return out, ctx.Err()
}

func embedOne(ctx context.Context, deps EmbedNodesDeps, log *logger.Logger, lease *claim.Lease, held *heldSet, n *types.Node, minLen int, c *embedCounters) {
	nlog := log.With("node_id", n.ID, "user_id", n.UserID)
	// writes must land even if the run is being cancelled mid-item
	wdbc := dbctx.Background(context.WithoutCancel(ctx))

	plain, err := deps.Cipher.Decrypt(ctx, n.UserID, n.Text)
	if err != nil {
		c.failed.Add(1)
		nlog.Error("Node text could not be decrypted", "error", err)
		failWithLog(wdbc, deps.Claims, deps.Errors, nlog, lease, held, []uuid.UUID{n.ID}, err, nodeErrorLog(n, graph.StageEmbedding, graph.ErrorTypeDecryptFailed))
		return
	}

	if utf8.RuneCountInString(strings.TrimSpace(plain)) < minLen {
		if commitEmbedded(wdbc, deps, nlog, lease, held, n, nil, c) {
			c.skipped.Add(1)
		}
		return
	}

	vec, err := deps.Embedder.Embed(ctx, plain)
	if err == nil && len(vec) == 0 {
		err = apperr.PermanentContentf("embed", "empty vector")
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		if apperr.IsPermanentContent(err) {
			nlog.Warn("Text is not embeddable, skipping", "error", err)
			if commitEmbedded(wdbc, deps, nlog, lease, held, n, nil, c) {
				c.skipped.Add(1)
			}
			return
		}
		c.failed.Add(1)
		retryLater(wdbc, deps, nlog, lease, held, n, err, c)
		return
	}

	if commitEmbedded(wdbc, deps, nlog, lease, held, n, vec, c) {
		c.embedded.Add(1)
	}
}

// commitEmbedded advances created -> embedded. A nil vec stores NULL.
func commitEmbedded(dbc dbctx.Context, deps EmbedNodesDeps, log *logger.Logger, lease *claim.Lease, held *heldSet, n *types.Node, vec []float32, c *embedCounters) bool {
	var embedding interface{}
	if len(vec) > 0 {
		embedding = graph.Vector(vec)
	}
	_, err := deps.Claims.Commit(dbc, lease, []uuid.UUID{n.ID}, graph.NodeStateCreated, map[string]interface{}{
		"processing_state": graph.NodeStateEmbedded,
		"embedding":        embedding,
	})
	if err == nil {
		held.done(n.ID)
		return true
	}
	if errors.Is(err, apperr.ErrLeaseLost) {
		log.Warn("Lease lost before commit; another worker owns the node now")
		held.done(n.ID)
		c.failed.Add(1)
		return false
	}
	c.failed.Add(1)
	retryLater(dbc, deps, log, lease, held, n, err, c)
	return false
}

// retryLater releases the node with a cause; on exhaustion it writes an error
// log row.
func retryLater(dbc dbctx.Context, deps EmbedNodesDeps, log *logger.Logger, lease *claim.Lease, held *heldSet, n *types.Node, cause error, c *embedCounters) {
	exhausted := releaseWithCause(dbc, deps.Claims, deps.Errors, log, lease, held, []uuid.UUID{n.ID}, cause, nodeErrorLog(n, graph.StageEmbedding, graph.ErrorTypeEmbeddingExhausted))
	c.exhausted.Add(int64(exhausted))
}

func nodeErrorLog(n *types.Node, stage, errorType string) func(uuid.UUID) *types.ErrorLog {
	return func(uuid.UUID) *types.ErrorLog {
		return &types.ErrorLog{
			UserID: n.UserID, SessionID: &n.SessionID, NodeID: &n.ID,
			Stage: stage, ErrorType: errorType,
		}
	}
}
