package steps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/smriti-backend/internal/data/claim"
	graphrepos "github.com/yungbote/smriti-backend/internal/data/repos/graph"
	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/domain/graph"
	"github.com/yungbote/smriti-backend/internal/modules/graph/index"
	"github.com/yungbote/smriti-backend/internal/observability"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
	"github.com/yungbote/smriti-backend/internal/services"
)

// TagBoost nudges the selection score of a candidate by how its tags compare
// with the source node. It never changes match_strength.
type TagBoost struct {
	Enabled       bool    `json:"enabled" yaml:"enabled" env:"ENABLED" envDefault:"false"`
	Theme         float64 `json:"theme" yaml:"theme" env:"THEME" envDefault:"0.1"`
	Cognition     float64 `json:"cognition" yaml:"cognition" env:"COGNITION" envDefault:"0.1"`
	Emotion       float64 `json:"emotion" yaml:"emotion" env:"EMOTION" envDefault:"0.05"`
	ThemeMismatch float64 `json:"theme_mismatch" yaml:"theme_mismatch" env:"THEME_MISMATCH" envDefault:"0.1"`
}

func DefaultTagBoost() TagBoost {
	return TagBoost{Theme: 0.1, Cognition: 0.1, Emotion: 0.05, ThemeMismatch: 0.1}
}

// Adjust returns the selection score for a candidate with cosine sim.
func (b TagBoost) Adjust(sim float64, src, cand graph.Tags) float64 {
	if !b.Enabled {
		return sim
	}
	score := sim
	if src.Theme != "" && cand.Theme != "" {
		if strings.EqualFold(src.Theme, cand.Theme) {
			score += b.Theme
		} else {
			score -= b.ThemeMismatch
		}
	}
	if src.CognitionType != "" && strings.EqualFold(src.CognitionType, cand.CognitionType) {
		score += b.Cognition
	}
	if src.Emotion != "" && strings.EqualFold(src.Emotion, cand.Emotion) {
		score += b.Emotion
	}
	return score
}

type EdgeParams struct {
	K                       int      `json:"k" yaml:"k" env:"K" envDefault:"10" validate:"gte=1"`
	MinSimilarity           float64  `json:"min_similarity" yaml:"min_similarity" env:"MIN_SIMILARITY" envDefault:"0.3" validate:"gte=-1,lte=1"`
	CreationThreshold       float64  `json:"creation_threshold" yaml:"creation_threshold" env:"CREATION_THRESHOLD" envDefault:"0.75" validate:"gte=0,lte=1"`
	Cap                     int      `json:"cap" yaml:"cap" env:"CAP" envDefault:"3" validate:"gte=1"`
	SimilarityWeight        float64  `json:"similarity_weight" yaml:"similarity_weight" env:"SIMILARITY_WEIGHT" envDefault:"0.5" validate:"gte=0,lte=1"`
	RequireDifferentSession bool     `json:"require_different_session" yaml:"require_different_session" env:"REQUIRE_DIFFERENT_SESSION" envDefault:"false"`
	MinConfidence           float64  `json:"min_confidence" yaml:"min_confidence" env:"MIN_CONFIDENCE" envDefault:"0" validate:"gte=0,lte=1"`
	TagBoost                TagBoost `json:"tag_boost" yaml:"tag_boost" envPrefix:"TAG_BOOST_"`
}

func DefaultEdgeParams() EdgeParams {
	return EdgeParams{
		K:                 10,
		MinSimilarity:     0.3,
		CreationThreshold: 0.75,
		Cap:               3,
		SimilarityWeight:  0.5,
		TagBoost:          DefaultTagBoost(),
	}
}

func (p EdgeParams) withDefaults() EdgeParams {
	if p.K <= 0 {
		p.K = 10
	}
	if p.Cap <= 0 {
		p.Cap = 3
	}
	if p.SimilarityWeight <= 0 || p.SimilarityWeight > 1 {
		p.SimilarityWeight = 0.5
	}
	return p
}

// MatchStrength blends cosine similarity and classifier confidence into [0,1].
func MatchStrength(similarity, confidence, weight float64) float64 {
	return clamp01(weight*similarity + (1-weight)*confidence)
}

// Selected is a candidate chosen for classification.
type Selected struct {
	index.Candidate
	Score float64
}

// SelectCandidates keeps candidates whose score reaches the creation
// threshold, highest score first with ties on lower id, at most Cap of them.
func SelectCandidates(cands []index.Candidate, src graph.Tags, p EdgeParams) []Selected {
	p = p.withDefaults()
	out := make([]Selected, 0, len(cands))
	for _, c := range cands {
		score := p.TagBoost.Adjust(c.Similarity, src, c.Tags)
		if score < p.CreationThreshold {
			continue
		}
		out = append(out, Selected{Candidate: c, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return graph.LessID(out[i].ID, out[j].ID)
	})
	if len(out) > p.Cap {
		out = out[:p.Cap]
	}
	return out
}

type InferEdgesDeps struct {
	DB         *gorm.DB
	Log        *logger.Logger
	Claims     *claim.Coordinator
	Nodes      graphrepos.NodeRepo
	Edges      graphrepos.EdgeRepo
	Errors     graphrepos.ErrorLogRepo
	Classifier services.Classifier
	Cipher     services.Cipher
}

type InferEdgesInput struct {
	// UserID limits the run to one user. Nil walks every user with pending
	// embedded nodes.
	UserID      *uuid.UUID
	BatchSize   int
	Concurrency int
	Params      EdgeParams
}

type InferEdgesOutput struct {
	Users         int `json:"users"`
	Claimed       int `json:"claimed"`
	Processed     int `json:"processed"`
	EdgesCreated  int `json:"edges_created"`
	EdgesExisting int `json:"edges_existing"`
	SkippedPairs  int `json:"skipped_pairs"`
	Errors        int `json:"errors"`
	Exhausted     int `json:"exhausted"`
}

type edgeCounters struct {
	processed, created, existing, skippedPairs, errors, exhausted atomic.Int64
}

// InferEdges links embedded nodes to their most similar neighbours and moves
// each source node to edge_processed.
func InferEdges(ctx context.Context, deps InferEdgesDeps, in InferEdgesInput) (InferEdgesOutput, error) {
	out := InferEdgesOutput{}
	if deps.DB == nil || deps.Log == nil || deps.Claims == nil || deps.Nodes == nil || deps.Edges == nil || deps.Errors == nil || deps.Classifier == nil || deps.Cipher == nil {
		return out, fmt.Errorf("infer_edges: missing deps: %w", apperr.ErrMissingConfig)
	}
	if in.BatchSize <= 0 {
		return out, nil
	}
	params := in.Params.withDefaults()
	if err := preflight(ctx, deps.Classifier, deps.Cipher); err != nil {
		return out, fmt.Errorf("infer_edges: preflight: %w", err)
	}

	log := deps.Log.With("stage", graph.StageEdges)
	dbc := dbctx.Background(ctx)

	var users []uuid.UUID
	if in.UserID != nil {
		users = []uuid.UUID{*in.UserID}
	} else {
		var err error
		users, err = deps.Claims.PendingUsers(dbc, graph.NodeStateEmbedded)
		if err != nil {
			return out, fmt.Errorf("infer_edges: pending users: %w", err)
		}
	}

	var c edgeCounters
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		claimed, err := inferForUser(ctx, deps, log.With("user_id", userID), userID, in, params, &c)
		out.Claimed += claimed
		if claimed > 0 {
			out.Users++
		}
		if err != nil {
			// one user's load failure does not stop the others
			log.Warn("Edge inference for user failed", "user_id", userID, "error", err)
			c.errors.Add(1)
		}
	}

	out.Processed = int(c.processed.Load())
	out.EdgesCreated = int(c.created.Load())
	out.EdgesExisting = int(c.existing.Load())
	out.SkippedPairs = int(c.skippedPairs.Load())
	out.Errors = int(c.errors.Load())
	out.Exhausted = int(c.exhausted.Load())

	m := observability.Current()
	m.AddStageItems(graph.StageEdges, "processed", out.Processed)
	m.AddStageItems(graph.StageEdges, "edge_created", out.EdgesCreated)
	m.AddStageItems(graph.StageEdges, "edge_existing", out.EdgesExisting)
	m.AddStageItems(graph.StageEdges, "pair_skipped", out.SkippedPairs)
	m.AddStageItems(graph.StageEdges, "failed", out.Errors)
	m.AddStageItems(graph.StageEdges, "exhausted", out.Exhausted)

	log.Info("Edge inference done",
		"users", out.Users,
		"claimed", out.Claimed,
		"processed", out.Processed,
		"edges_created", out.EdgesCreated,
		"edges_existing", out.EdgesExisting,
		"skipped_pairs", out.SkippedPairs,
		"errors", out.Errors,
	)
	return out, ctx.Err()
}

func inferForUser(ctx context.Context, deps InferEdgesDeps, log *logger.Logger, userID uuid.UUID, in InferEdgesInput, p EdgeParams, c *edgeCounters) (int, error) {
	dbc := dbctx.Background(ctx)
	lease, err := deps.Claims.Claim(dbc, claim.Query{State: graph.NodeStateEmbedded, UserID: &userID, Limit: in.BatchSize})
	if err != nil {
		return 0, err
	}
	if lease.Empty() {
		return 0, nil
	}
	held := newHeldSet(lease.IDs)
	defer releaseRemaining(ctx, log, deps.Claims, lease, held)

	indexable, err := deps.Nodes.ListIndexable(dbc, userID)
	if err != nil {
		return len(lease.IDs), apperr.Persistence("list indexable", err)
	}
	entries := make([]index.Entry, 0, len(indexable))
	for _, n := range indexable {
		entries = append(entries, index.Entry{ID: n.ID, SessionID: n.SessionID, Tags: n.Tags(), Vector: n.Embedding})
	}
	ix := index.Build(entries)

	sources, err := deps.Nodes.GetByIDs(dbc, lease.IDs)
	if err != nil {
		return len(lease.IDs), apperr.Persistence("load nodes", err)
	}
	log.Debug("Index built", "entries", ix.Len(), "dim", ix.Dim(), "sources", len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(boundedConcurrency(in.Concurrency, len(sources)))
	for _, src := range sources {
		src := src
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			inferOne(gctx, deps, log, lease, held, ix, src, p, c)
			return nil
		})
	}
	_ = g.Wait()
	return len(lease.IDs), nil
}

func inferOne(ctx context.Context, deps InferEdgesDeps, log *logger.Logger, lease *claim.Lease, held *heldSet, ix *index.Index, src *types.Node, p EdgeParams, c *edgeCounters) {
	nlog := log.With("node_id", src.ID)
	wdbc := dbctx.Background(context.WithoutCancel(ctx))
	retry := func(cause error) {
		c.errors.Add(1)
		n := releaseWithCause(wdbc, deps.Claims, deps.Errors, nlog, lease, held, []uuid.UUID{src.ID}, cause, nodeErrorLog(src, graph.StageEdges, graph.ErrorTypeEdgeExhausted))
		c.exhausted.Add(int64(n))
	}

	// skipped text has no vector and nothing to link
	if len(src.Embedding) == 0 {
		commitEdgeProcessed(wdbc, deps, nlog, lease, held, src, c, retry)
		return
	}

	plain, err := deps.Cipher.Decrypt(ctx, src.UserID, src.Text)
	if err != nil {
		c.errors.Add(1)
		nlog.Error("Node text could not be decrypted", "error", err)
		failWithLog(wdbc, deps.Claims, deps.Errors, nlog, lease, held, []uuid.UUID{src.ID}, err, nodeErrorLog(src, graph.StageEdges, graph.ErrorTypeDecryptFailed))
		return
	}

	linked, err := deps.Edges.LinkedNodeIDs(wdbc, src.UserID, src.ID)
	if err != nil {
		retry(apperr.Persistence("linked nodes", err))
		return
	}
	skip := make(map[uuid.UUID]bool, len(linked)+1)
	skip[src.ID] = true
	for _, id := range linked {
		skip[id] = true
	}
	exclude := func(id uuid.UUID) bool {
		if skip[id] {
			return true
		}
		if p.RequireDifferentSession {
			if e, ok := ix.Get(id); ok && e.SessionID == src.SessionID {
				return true
			}
		}
		return false
	}

	picked := SelectCandidates(ix.TopK(src.Embedding, p.K, p.MinSimilarity, exclude), src.Tags(), p)
	if len(picked) == 0 {
		commitEdgeProcessed(wdbc, deps, nlog, lease, held, src, c, retry)
		return
	}

	ids := make([]uuid.UUID, 0, len(picked))
	for _, s := range picked {
		ids = append(ids, s.ID)
	}
	others, err := deps.Nodes.GetByIDs(wdbc, ids)
	if err != nil {
		retry(apperr.Persistence("load candidates", err))
		return
	}
	byID := make(map[uuid.UUID]*types.Node, len(others))
	for _, o := range others {
		byID[o.ID] = o
	}

	current := services.NodeText{Text: plain, Tags: src.Tags()}
	var pairErr error
	for _, s := range picked {
		if ctx.Err() != nil {
			return
		}
		other := byID[s.ID]
		if other == nil || other.UserID != src.UserID {
			nlog.Warn("Candidate missing or owned by another user, skipping", "candidate_id", s.ID)
			c.skippedPairs.Add(1)
			continue
		}
		otherPlain, err := deps.Cipher.Decrypt(ctx, other.UserID, other.Text)
		if err != nil {
			nlog.Warn("Candidate text could not be decrypted, skipping pair", "candidate_id", s.ID, "error", err)
			c.skippedPairs.Add(1)
			continue
		}

		cls, err := deps.Classifier.Classify(ctx, current, services.NodeText{Text: otherPlain, Tags: other.Tags()})
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			if apperr.IsPermanentContent(err) {
				nlog.Warn("Pair not classifiable, skipping", "candidate_id", s.ID, "error", err)
				c.skippedPairs.Add(1)
				continue
			}
			pairErr = err
			continue
		}
		if p.MinConfidence > 0 && cls.Confidence < p.MinConfidence {
			nlog.Debug("Classification below confidence floor", "candidate_id", s.ID, "confidence", cls.Confidence)
			c.skippedPairs.Add(1)
			continue
		}

		edge := &types.Edge{
			UserID:          src.UserID,
			FromNodeID:      src.ID,
			ToNodeID:        other.ID,
			OriginNodeID:    src.ID,
			EdgeType:        cls.EdgeType,
			MatchStrength:   MatchStrength(s.Similarity, cls.Confidence, p.SimilarityWeight),
			Similarity:      s.Similarity,
			Confidence:      cls.Confidence,
			SessionRelation: graph.SessionRelation(src.SessionID, other.SessionID),
			Explanation:     cls.Explanation,
		}
		created, err := deps.Edges.CreateIfAbsent(wdbc, edge)
		if err != nil {
			pairErr = apperr.Persistence("create edge", err)
			continue
		}
		if created {
			c.created.Add(1)
		} else {
			c.existing.Add(1)
		}
	}

	// created edges stay; the node comes back for the pairs that failed
	if pairErr != nil {
		retry(pairErr)
		return
	}
	commitEdgeProcessed(wdbc, deps, nlog, lease, held, src, c, retry)
}

func commitEdgeProcessed(dbc dbctx.Context, deps InferEdgesDeps, log *logger.Logger, lease *claim.Lease, held *heldSet, n *types.Node, c *edgeCounters, retry func(error)) {
	_, err := deps.Claims.Commit(dbc, lease, []uuid.UUID{n.ID}, graph.NodeStateEmbedded, map[string]interface{}{
		"processing_state": graph.NodeStateEdgeProcessed,
	})
	if err == nil {
		held.done(n.ID)
		c.processed.Add(1)
		return
	}
	if errors.Is(err, apperr.ErrLeaseLost) {
		log.Warn("Lease lost before commit; another worker owns the node now")
		held.done(n.ID)
		c.errors.Add(1)
		return
	}
	retry(err)
}
