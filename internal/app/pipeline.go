package app

import (
	"fmt"

	"github.com/yungbote/smriti-backend/internal/jobs/pipeline/edge_infer"
	"github.com/yungbote/smriti-backend/internal/jobs/pipeline/graph_mirror"
	"github.com/yungbote/smriti-backend/internal/jobs/pipeline/node_embed"
	"github.com/yungbote/smriti-backend/internal/jobs/pipeline/reflection_synthesize"
	"github.com/yungbote/smriti-backend/internal/jobs/runtime"
	"github.com/yungbote/smriti-backend/internal/modules/graph"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/crypto"
	"github.com/yungbote/smriti-backend/internal/platform/openai"
	"github.com/yungbote/smriti-backend/internal/services"
)

// Orchestrator wires the model client, cipher and stages. It fails with
// ErrMissingConfig before anything is claimed when a credential is absent.
func (a *App) Orchestrator() (graph.Orchestrator, error) {
	if a.orch != nil {
		return *a.orch, nil
	}
	if err := a.Cfg.RequireAI(); err != nil {
		return graph.Orchestrator{}, err
	}
	oc := a.Cfg.OpenAI
	client, err := openai.NewClient(a.Log, openai.Config{
		APIKey:     oc.APIKey,
		BaseURL:    oc.BaseURL,
		Model:      oc.Model,
		EmbedModel: oc.EmbedModel,
		Timeout:    oc.Timeout,
		MaxRetries: oc.MaxRetries,
	})
	if err != nil {
		return graph.Orchestrator{}, fmt.Errorf("%w: %v", apperr.ErrMissingConfig, err)
	}
	cipher, err := crypto.NewCipher(a.Cfg.Encryption.MasterKey)
	if err != nil {
		return graph.Orchestrator{}, fmt.Errorf("%w: %v", apperr.ErrMissingConfig, err)
	}

	guard := services.DefaultGuardConfig("openai")
	guard.RequestsPerSecond = a.Cfg.Guard.RequestsPerSecond
	guard.Burst = a.Cfg.Guard.Burst
	guard.FailureThreshold = a.Cfg.Guard.FailureThreshold
	guard.Timeout = a.Cfg.Guard.OpenTimeout
	ai := services.NewGuardedAI(a.Log, services.NewThoughtAI(a.Log, client, services.ThoughtAIOptions{
		Dimension:     oc.Dimension,
		MaxInputChars: oc.MaxInputChars,
	}), guard)

	p := a.Cfg.Pipeline
	o := graph.New(graph.OrchestratorDeps{
		DB:          a.DB,
		Log:         a.Log,
		NodeClaims:  a.Claims.Nodes,
		EdgeClaims:  a.Claims.Edges,
		Nodes:       a.Repos.Node,
		Edges:       a.Repos.Edge,
		Reflections: a.Repos.Reflection,
		Errors:      a.Repos.ErrorLog,
		AI:          ai,
		Cipher:      cipher,
	}, graph.Settings{
		EmbedConcurrency:  p.Embedding.Concurrency,
		MinTextLength:     p.Embedding.MinTextLength,
		EdgeConcurrency:   p.Edges.Concurrency,
		Edge:              p.Edges.Params,
		ReflectClustering: p.Reflection.Clustering,
	})
	a.orch = &o
	return o, nil
}

// JobRegistry registers one handler per stage job type plus the graph mirror.
func (a *App) JobRegistry(o graph.Orchestrator) (*runtime.Registry, error) {
	p := a.Cfg.Pipeline
	reg := runtime.NewRegistry()
	err := reg.Register(
		node_embed.New(a.Log, o, p.Embedding.BatchSize),
		edge_infer.New(a.Log, o, p.Edges.BatchSize),
		reflection_synthesize.New(a.Log, o, p.Reflection.BatchSizePerUser, p.Reflection.OverallBatchSize),
		graph_mirror.New(a.Log, a.Mirror()),
	)
	if err != nil {
		return nil, err
	}
	return reg, nil
}
