package graph

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/yungbote/smriti-backend/internal/data/claim"
	graphrepos "github.com/yungbote/smriti-backend/internal/data/repos/graph"
	graphdomain "github.com/yungbote/smriti-backend/internal/domain/graph"
	"github.com/yungbote/smriti-backend/internal/modules/graph/steps"
	"github.com/yungbote/smriti-backend/internal/observability"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
	"github.com/yungbote/smriti-backend/internal/services"
)

type OrchestratorDeps struct {
	DB  *gorm.DB
	Log *logger.Logger

	NodeClaims *claim.Coordinator
	EdgeClaims *claim.Coordinator

	Nodes       graphrepos.NodeRepo
	Edges       graphrepos.EdgeRepo
	Reflections graphrepos.ReflectionRepo
	Errors      graphrepos.ErrorLogRepo

	AI     services.ThoughtAI
	Cipher services.Cipher
}

// Settings is the stage tuning that does not change per trigger.
type Settings struct {
	EmbedConcurrency  int
	MinTextLength     int
	EdgeConcurrency   int
	Edge              steps.EdgeParams
	ReflectClustering bool
}

func DefaultSettings() Settings {
	return Settings{
		EmbedConcurrency:  4,
		MinTextLength:     3,
		EdgeConcurrency:   4,
		Edge:              steps.DefaultEdgeParams(),
		ReflectClustering: true,
	}
}

// Orchestrator is the trigger surface of the pipeline. Each trigger runs one
// stage batch and returns aggregate counters only.
type Orchestrator struct {
	deps     OrchestratorDeps
	settings Settings
}

func New(deps OrchestratorDeps, settings Settings) Orchestrator {
	return Orchestrator{deps: deps, settings: settings}
}

func (o Orchestrator) WithLog(log *logger.Logger) Orchestrator {
	o.deps.Log = log
	return o
}

func (o Orchestrator) Settings() Settings { return o.settings }

type (
	EmbedNodesOutput            = steps.EmbedNodesOutput
	InferEdgesOutput            = steps.InferEdgesOutput
	SynthesizeReflectionsOutput = steps.SynthesizeReflectionsOutput
)

func (o Orchestrator) TriggerEmbedding(ctx context.Context, batchSize int) (EmbedNodesOutput, error) {
	var out EmbedNodesOutput
	err := observeStage(ctx, graphdomain.StageEmbedding, func(ctx context.Context) error {
		var err error
		out, err = steps.EmbedNodes(ctx, steps.EmbedNodesDeps{
			DB:       o.deps.DB,
			Log:      o.deps.Log,
			Claims:   o.deps.NodeClaims,
			Nodes:    o.deps.Nodes,
			Errors:   o.deps.Errors,
			Embedder: o.deps.AI,
			Cipher:   o.deps.Cipher,
		}, steps.EmbedNodesInput{
			BatchSize:     batchSize,
			Concurrency:   o.settings.EmbedConcurrency,
			MinTextLength: o.settings.MinTextLength,
		})
		return err
	}, attribute.Int("batch_size", batchSize))
	return out, err
}

// TriggerEdgeInference runs edge inference for one user, or for every user
// with pending nodes when userID is nil.
func (o Orchestrator) TriggerEdgeInference(ctx context.Context, userID *uuid.UUID, batchSize int) (InferEdgesOutput, error) {
	attrs := []attribute.KeyValue{attribute.Int("batch_size", batchSize)}
	if userID != nil {
		attrs = append(attrs, attribute.Bool("single_user", true))
	}
	var out InferEdgesOutput
	err := observeStage(ctx, graphdomain.StageEdges, func(ctx context.Context) error {
		var err error
		out, err = steps.InferEdges(ctx, steps.InferEdgesDeps{
			DB:         o.deps.DB,
			Log:        o.deps.Log,
			Claims:     o.deps.NodeClaims,
			Nodes:      o.deps.Nodes,
			Edges:      o.deps.Edges,
			Errors:     o.deps.Errors,
			Classifier: o.deps.AI,
			Cipher:     o.deps.Cipher,
		}, steps.InferEdgesInput{
			UserID:      userID,
			BatchSize:   batchSize,
			Concurrency: o.settings.EdgeConcurrency,
			Params:      o.settings.Edge,
		})
		return err
	}, attrs...)
	return out, err
}

func (o Orchestrator) TriggerReflection(ctx context.Context, perUser, overall int) (SynthesizeReflectionsOutput, error) {
	var out SynthesizeReflectionsOutput
	err := observeStage(ctx, graphdomain.StageReflection, func(ctx context.Context) error {
		var err error
		out, err = steps.SynthesizeReflections(ctx, steps.SynthesizeReflectionsDeps{
			DB:          o.deps.DB,
			Log:         o.deps.Log,
			Claims:      o.deps.EdgeClaims,
			Nodes:       o.deps.Nodes,
			Edges:       o.deps.Edges,
			Reflections: o.deps.Reflections,
			Errors:      o.deps.Errors,
			Synthesizer: o.deps.AI,
			Cipher:      o.deps.Cipher,
		}, steps.SynthesizeReflectionsInput{
			BatchSizePerUser: perUser,
			OverallBatchSize: overall,
			Clustering:       o.settings.ReflectClustering,
		})
		return err
	}, attribute.Int("batch_size_per_user", perUser), attribute.Int("overall_batch_size", overall))
	return out, err
}

// observeStage wraps one stage run in a span and records its duration.
func observeStage(ctx context.Context, stage string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := observability.StartSpan(ctx, "graph."+stage, append(attrs, attribute.String("stage", stage))...)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	status := RunStatus(err)
	observability.Current().ObserveStageRun(stage, status, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
	}
	return err
}

// RunStatus labels a stage run outcome: ok, aborted (nothing was claimed),
// canceled or error.
func RunStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrMissingConfig), errors.Is(err, apperr.ErrServiceUnavailable):
		return "aborted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
