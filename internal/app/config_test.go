package app

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"

	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(env.Options{Environment: map[string]string{}})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.DB.Driver != "sqlite" {
		t.Fatalf("DB.Driver=%q", cfg.DB.Driver)
	}
	lease := cfg.Pipeline.Lease
	if lease.TTL != 5*time.Minute || lease.MaxAttempts != 5 {
		t.Fatalf("lease=%+v", lease)
	}
	if cfg.Pipeline.Embedding.BatchSize != 50 {
		t.Fatalf("embedding batch=%d", cfg.Pipeline.Embedding.BatchSize)
	}

	edge := cfg.Pipeline.Edges.Params
	if edge.K != 10 || edge.Cap != 3 {
		t.Fatalf("edge K=%d Cap=%d", edge.K, edge.Cap)
	}
	if !near(edge.MinSimilarity, 0.3) || !near(edge.CreationThreshold, 0.75) || !near(edge.SimilarityWeight, 0.5) {
		t.Fatalf("edge params=%+v", edge)
	}
	if edge.TagBoost.Enabled || !near(edge.TagBoost.Emotion, 0.05) {
		t.Fatalf("tag boost=%+v", edge.TagBoost)
	}

	refl := cfg.Pipeline.Reflection
	if refl.BatchSizePerUser != 5 || refl.OverallBatchSize != 50 || !refl.Clustering {
		t.Fatalf("reflection=%+v", refl)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Fatalf("worker concurrency=%d", cfg.Worker.Concurrency)
	}
	if cfg.Scheduler.Enabled {
		t.Fatalf("scheduler enabled by default")
	}
	if cfg.Neo4j.Enabled() || cfg.Neo4j.User != "neo4j" {
		t.Fatalf("neo4j=%+v", cfg.Neo4j)
	}

	if err := cfg.RequireAI(); !errors.Is(err, apperr.ErrMissingConfig) {
		t.Fatalf("RequireAI without keys: got %v", err)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	cfg, err := loadConfig(env.Options{Environment: map[string]string{
		"DB_DRIVER":                       "postgres",
		"DB_DSN":                          "postgres://localhost/smriti",
		"PIPELINE_EDGE_CAP":               "1",
		"PIPELINE_EDGE_TAG_BOOST_ENABLED": "true",
		"PIPELINE_LEASE_TTL":              "90s",
		"WORKER_CONCURRENCY":              "8",
		"NEO4J_URI":                       "bolt://graph:7687",
		"OPENAI_API_KEY":                  "sk-test",
		"ENCRYPTION_MASTER_KEY":           "c2VjcmV0LWtleS1tYXRlcmlhbC0zMi1ieXRlcyEhISE=",
	}})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DB.Driver != "postgres" {
		t.Fatalf("DB.Driver=%q", cfg.DB.Driver)
	}
	if cfg.Pipeline.Edges.Params.Cap != 1 || !cfg.Pipeline.Edges.Params.TagBoost.Enabled {
		t.Fatalf("edge params=%+v", cfg.Pipeline.Edges.Params)
	}
	if cfg.Pipeline.Lease.TTL != 90*time.Second {
		t.Fatalf("lease TTL=%v", cfg.Pipeline.Lease.TTL)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Fatalf("worker concurrency=%d", cfg.Worker.Concurrency)
	}
	if !cfg.Neo4j.Enabled() {
		t.Fatalf("neo4j not enabled by NEO4J_URI")
	}
	if err := cfg.RequireAI(); err != nil {
		t.Fatalf("RequireAI: %v", err)
	}
}

func TestLoadConfigYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(`
edges:
  creation_threshold: 0.8
  require_different_session: true
  tag_boost:
    enabled: true
reflection:
  overall_batch_size: 10
`), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	cfg, err := loadConfig(env.Options{Environment: map[string]string{
		"PIPELINE_CONFIG_FILE": path,
		"PIPELINE_EDGE_CAP":    "2",
	}})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	edge := cfg.Pipeline.Edges.Params
	if !near(edge.CreationThreshold, 0.8) || !edge.RequireDifferentSession || !edge.TagBoost.Enabled {
		t.Fatalf("overlay not applied: %+v", edge)
	}
	// keys absent from the file keep their value
	if !near(edge.TagBoost.Theme, 0.1) || edge.Cap != 2 {
		t.Fatalf("theme boost=%v cap=%d", edge.TagBoost.Theme, edge.Cap)
	}
	if cfg.Pipeline.Reflection.OverallBatchSize != 10 || cfg.Pipeline.Reflection.BatchSizePerUser != 5 {
		t.Fatalf("reflection=%+v", cfg.Pipeline.Reflection)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"driver":    {"DB_DRIVER": "mysql"},
		"threshold": {"PIPELINE_EDGE_CREATION_THRESHOLD": "1.5"},
		"file":      {"PIPELINE_CONFIG_FILE": filepath.Join(t.TempDir(), "missing.yaml")},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadConfig(env.Options{Environment: vars}); !errors.Is(err, apperr.ErrMissingConfig) {
				t.Fatalf("loadConfig: got %v", err)
			}
		})
	}
}
