package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yungbote/smriti-backend/internal/domain/graph"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
	"github.com/yungbote/smriti-backend/internal/platform/openai"
)

type httpErr int

func (e httpErr) Error() string       { return fmt.Sprintf("openai http %d", int(e)) }
func (e httpErr) HTTPStatusCode() int { return int(e) }

type fakeClient struct {
	mu      sync.Mutex
	vecs    [][]float32
	obj     map[string]any
	err     error
	pingErr error
	prompts []string
}

func (f *fakeClient) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, inputs...)
	return f.vecs, f.err
}

func (f *fakeClient) GenerateJSON(_ context.Context, _ string, user string, _ string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, user)
	return f.obj, f.err
}

func (f *fakeClient) Ping(context.Context) error { return f.pingErr }

var _ openai.Client = (*fakeClient)(nil)

func TestParseClassification(t *testing.T) {
	got, err := ParseClassification(map[string]any{
		"edge_type": "emotion_shift", "confidence": 0.8, "explanation": " calm to anxious ",
	})
	if err != nil {
		t.Fatalf("ParseClassification: %v", err)
	}
	want := Classification{EdgeType: graph.EdgeTypeEmotionShift, Confidence: 0.8, Explanation: "calm to anxious"}
	if got != want {
		t.Fatalf("ParseClassification: got %+v want %+v", got, want)
	}

	bad := []map[string]any{
		{"edge_type": "friendship", "confidence": 0.5, "explanation": ""},
		{"edge_type": "emotion_shift", "confidence": 1.5, "explanation": ""},
		{"edge_type": "emotion_shift", "confidence": "high", "explanation": ""},
		{"edge_type": "emotion_shift", "confidence": 0.5},
		{},
	}
	for i, obj := range bad {
		if _, err := ParseClassification(obj); !apperr.IsPermanentContent(err) {
			t.Fatalf("case %d: expected permanent content error, got %v", i, err)
		}
	}
}

func TestThoughtAIEmbedValidatesVector(t *testing.T) {
	ctx := context.Background()
	fc := &fakeClient{vecs: [][]float32{{0.1, 0.2, 0.3}}}
	ai := NewThoughtAI(logger.NewNop(), fc, ThoughtAIOptions{Dimension: 3})

	v, err := ai.Embed(ctx, "hello there")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 3 {
		t.Fatalf("Embed: len=%d want 3", len(v))
	}

	fc.vecs = [][]float32{{0.1, 0.2}}
	if _, err := ai.Embed(ctx, "hello there"); !apperr.IsPermanentContent(err) {
		t.Fatalf("wrong dimension: got %v", err)
	}

	fc.vecs, fc.err = nil, httpErr(503)
	if _, err := ai.Embed(ctx, "hello there"); !apperr.IsTransient(err) {
		t.Fatalf("503: expected transient, got %v", err)
	}

	fc.err = httpErr(400)
	if _, err := ai.Embed(ctx, "hello there"); !apperr.IsPermanentContent(err) {
		t.Fatalf("400: expected permanent content, got %v", err)
	}
}

func TestThoughtAIClassifyPromptCarriesTags(t *testing.T) {
	fc := &fakeClient{obj: map[string]any{"edge_type": "theme_repetition", "confidence": 0.9, "explanation": "work again"}}
	ai := NewThoughtAI(logger.NewNop(), fc, ThoughtAIOptions{})

	got, err := ai.Classify(context.Background(),
		NodeText{Text: "deadline stress", Tags: graph.Tags{Theme: "work", Emotion: "anxious"}},
		NodeText{Text: "boss again", Tags: graph.Tags{Theme: "work"}},
	)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.EdgeType != graph.EdgeTypeThemeRepetition {
		t.Fatalf("edge_type=%q", got.EdgeType)
	}
	if len(fc.prompts) != 1 {
		t.Fatalf("prompts=%d want 1", len(fc.prompts))
	}
	for _, want := range []string{"Theme: work", "Emotion: anxious", "Cognition type: generic"} {
		if !strings.Contains(fc.prompts[0], want) {
			t.Fatalf("prompt missing %q:\n%s", want, fc.prompts[0])
		}
	}
}

func TestThoughtAIMalformedOutputIsPermanent(t *testing.T) {
	fc := &fakeClient{err: fmt.Errorf("%w: invalid character 'e'", openai.ErrMalformedOutput)}
	ai := NewThoughtAI(logger.NewNop(), fc, ThoughtAIOptions{})

	_, err := ai.Classify(context.Background(), NodeText{Text: "a"}, NodeText{Text: "b"})
	if !apperr.IsPermanentContent(err) {
		t.Fatalf("Classify: expected permanent content, got %v", err)
	}
	if !errors.Is(err, openai.ErrMalformedOutput) {
		t.Fatalf("Classify: cause lost: %v", err)
	}
}

func TestThoughtAISynthesize(t *testing.T) {
	ctx := context.Background()
	fc := &fakeClient{obj: map[string]any{"generated_text": "You return to work worries often."}}
	ai := NewThoughtAI(logger.NewNop(), fc, ThoughtAIOptions{})

	text, err := ai.Synthesize(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if text != "You return to work worries often." {
		t.Fatalf("Synthesize: got %q", text)
	}

	fc.obj = map[string]any{"generated_text": "  "}
	if _, err := ai.Synthesize(ctx, []string{"a"}); !apperr.IsPermanentContent(err) {
		t.Fatalf("blank text: got %v", err)
	}

	fc.obj, fc.err = nil, fmt.Errorf("%w: unsafe", openai.ErrRefused)
	if _, err := ai.Synthesize(ctx, []string{"a"}); !apperr.IsPermanentContent(err) {
		t.Fatalf("refusal: got %v", err)
	}

	if _, err := ai.Synthesize(ctx, nil); !apperr.IsPermanentContent(err) {
		t.Fatalf("no texts: got %v", err)
	}
}

func TestGuardedAIOpensOnTransientOnly(t *testing.T) {
	ctx := context.Background()
	fc := &fakeClient{err: httpErr(400)}
	g := NewGuardedAI(logger.NewNop(), NewThoughtAI(logger.NewNop(), fc, ThoughtAIOptions{}), GuardConfig{
		Name: "test", RequestsPerSecond: 1000, Burst: 100,
		MinRequests: 3, FailureThreshold: 0.5, Timeout: time.Minute,
	})

	for i := 0; i < 5; i++ {
		if _, err := g.Embed(ctx, "x"); !apperr.IsPermanentContent(err) {
			t.Fatalf("Embed #%d: got %v", i, err)
		}
	}
	if err := g.Ping(ctx); err != nil {
		t.Fatalf("content errors opened the circuit: %v", err)
	}

	fc.err = httpErr(503)
	for i := 0; i < 5; i++ {
		_, _ = g.Embed(ctx, "x")
	}
	_, err := g.Embed(ctx, "x")
	if !apperr.IsTransient(err) || !errors.Is(err, apperr.ErrServiceUnavailable) {
		t.Fatalf("open circuit: got %v", err)
	}
	if err := g.Ping(ctx); !errors.Is(err, apperr.ErrServiceUnavailable) {
		t.Fatalf("Ping with open circuit: got %v", err)
	}
}

func TestThoughtAIPingWrapsUnavailable(t *testing.T) {
	fc := &fakeClient{pingErr: httpErr(401)}
	ai := NewThoughtAI(logger.NewNop(), fc, ThoughtAIOptions{})
	err := ai.Ping(context.Background())
	if !errors.Is(err, apperr.ErrServiceUnavailable) {
		t.Fatalf("Ping: expected ErrServiceUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("Ping: status lost: %v", err)
	}
}
