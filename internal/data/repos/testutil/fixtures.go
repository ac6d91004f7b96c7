package testutil

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/domain/graph"
)

type NodeSeed struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	SessionID uuid.UUID
	Text      string
	Theme     string
	Emotion   string
	State     string
	Embedding []float32
	CreatedAt time.Time
}

func SeedNode(tb testing.TB, ctx context.Context, tx *gorm.DB, s NodeSeed) *types.Node {
	tb.Helper()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.SessionID == uuid.Nil {
		s.SessionID = uuid.New()
	}
	if s.State == "" {
		s.State = graph.NodeStateCreated
	}
	if s.Text == "" {
		s.Text = "a thought worth keeping"
	}
	n := &types.Node{
		ID:              s.ID,
		UserID:          s.UserID,
		SessionID:       s.SessionID,
		Text:            s.Text,
		Theme:           s.Theme,
		Emotion:         s.Emotion,
		ProcessingState: s.State,
		Embedding:       graph.Vector(s.Embedding),
		CreatedAt:       s.CreatedAt,
	}
	if err := tx.WithContext(ctx).Create(n).Error; err != nil {
		tb.Fatalf("seed node: %v", err)
	}
	return n
}

func SeedEdge(tb testing.TB, ctx context.Context, tx *gorm.DB, userID, a, b uuid.UUID) *types.Edge {
	tb.Helper()
	e := &types.Edge{
		UserID:          userID,
		FromNodeID:      a,
		ToNodeID:        b,
		OriginNodeID:    a,
		EdgeType:        graph.EdgeTypeThemeRepetition,
		MatchStrength:   0.8,
		Similarity:      0.8,
		Confidence:      0.8,
		SessionRelation: graph.SessionRelationDifferent,
	}
	if err := tx.WithContext(ctx).Create(e).Error; err != nil {
		tb.Fatalf("seed edge: %v", err)
	}
	return e
}

func ReloadNode(tb testing.TB, tx *gorm.DB, id uuid.UUID) *types.Node {
	tb.Helper()
	var n types.Node
	if err := tx.First(&n, "id = ?", id).Error; err != nil {
		tb.Fatalf("reload node: %v", err)
	}
	return &n
}

func ReloadEdge(tb testing.TB, tx *gorm.DB, id uuid.UUID) *types.Edge {
	tb.Helper()
	var e types.Edge
	if err := tx.First(&e, "id = ?", id).Error; err != nil {
		tb.Fatalf("reload edge: %v", err)
	}
	return &e
}

// UnitVector returns a 2-d unit vector whose cosine against (1, 0) is cos.
func UnitVector(cos float64) []float32 {
	sin := 1 - cos*cos
	if sin < 0 {
		sin = 0
	}
	return []float32{float32(cos), float32(math.Sqrt(sin))}
}

func PtrUUID(id uuid.UUID) *uuid.UUID { return &id }

func PtrTime(t time.Time) *time.Time { return &t }
