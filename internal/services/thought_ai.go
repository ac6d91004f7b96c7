package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/yungbote/smriti-backend/internal/domain/graph"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
	"github.com/yungbote/smriti-backend/internal/platform/openai"
)

// NodeText is a decrypted node as seen by the classifier. It only ever lives
// in memory.
type NodeText struct {
	Text string
	Tags graph.Tags
}

type Classification struct {
	EdgeType    string
	Explanation string
	Confidence  float64
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Classifier interface {
	Classify(ctx context.Context, current, candidate NodeText) (Classification, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, texts []string) (string, error)
}

// Pinger is implemented by services that can be health-checked before a run.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ThoughtAI is the embedding, classification and synthesis surface backed by
// one model provider.
type ThoughtAI interface {
	Embedder
	Classifier
	Synthesizer
	Pinger
}

type ThoughtAIOptions struct {
	// Dimension, when set, rejects vectors of any other length.
	Dimension int
	// MaxInputChars truncates text sent to the model.
	MaxInputChars int
}

type thoughtAI struct {
	log  *logger.Logger
	ai   openai.Client
	opts ThoughtAIOptions
}

func NewThoughtAI(log *logger.Logger, ai openai.Client, opts ThoughtAIOptions) ThoughtAI {
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = 8000
	}
	return &thoughtAI{log: log.With("service", "ThoughtAI"), ai: ai, opts: opts}
}

func (s *thoughtAI) Ping(ctx context.Context) error {
	if err := s.ai.Ping(ctx); err != nil {
		return fmt.Errorf("%w: openai: %v", apperr.ErrServiceUnavailable, err)
	}
	return nil
}

func (s *thoughtAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.ai.Embed(ctx, []string{clip(text, s.opts.MaxInputChars)})
	if err != nil {
		return nil, classifyAIErr("embed", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, apperr.PermanentContentf("embed", "empty embedding")
	}
	vec := vecs[0]
	if s.opts.Dimension > 0 && len(vec) != s.opts.Dimension {
		return nil, apperr.PermanentContentf("embed", "dimension %d, want %d", len(vec), s.opts.Dimension)
	}
	for _, f := range vec {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil, apperr.PermanentContentf("embed", "non-finite component")
		}
	}
	return vec, nil
}

const classifySystem = "You are an expert in cognitive psychology and emotional analysis."

var edgeTypeDescriptions = []struct{ name, desc string }{
	{graph.EdgeTypeThoughtProgression, "One thought logically follows another."},
	{graph.EdgeTypeEmotionShift, "A significant change in emotional tone."},
	{graph.EdgeTypeThemeRepetition, "Recurring themes across different contexts."},
	{graph.EdgeTypeIdentityDrift, "Shifts in self-concept or core beliefs."},
	{graph.EdgeTypeEmotionalContradiction, "Conflicting emotions about the same topic."},
	{graph.EdgeTypeBeliefContradiction, "Inconsistent or opposing beliefs."},
	{graph.EdgeTypeUnresolvedLoop, "Repeating patterns without resolution."},
}

func classifySchema() map[string]any {
	types := make([]any, 0, len(graph.EdgeTypes))
	for _, t := range graph.EdgeTypes {
		types = append(types, t)
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"edge_type", "confidence", "explanation"},
		"properties": map[string]any{
			"edge_type":   map[string]any{"type": "string", "enum": types},
			"confidence":  map[string]any{"type": "number"},
			"explanation": map[string]any{"type": "string"},
		},
	}
}

func (s *thoughtAI) classifyPrompt(current, candidate NodeText) string {
	var b strings.Builder
	b.WriteString("Classify the psychological connection between two thought nodes written by the same person.\n\n")
	writeNode := func(label string, n NodeText) {
		fmt.Fprintf(&b, "%s:\n- Text: %q\n- Theme: %s\n- Cognition type: %s\n- Emotion: %s\n\n",
			label, clip(n.Text, s.opts.MaxInputChars/2), orGeneric(n.Tags.Theme), orGeneric(n.Tags.CognitionType), orGeneric(n.Tags.Emotion))
	}
	writeNode("Current node", current)
	writeNode("Candidate node", candidate)
	b.WriteString("Edge types:\n")
	for _, t := range edgeTypeDescriptions {
		fmt.Fprintf(&b, "- %s: %s\n", t.name, t.desc)
	}
	b.WriteString("\nPick the single most significant edge type, a confidence between 0.0 and 1.0, and a one-sentence explanation.")
	return b.String()
}

func (s *thoughtAI) Classify(ctx context.Context, current, candidate NodeText) (Classification, error) {
	obj, err := s.ai.GenerateJSON(ctx, classifySystem, s.classifyPrompt(current, candidate), "edge_classification", classifySchema())
	if err != nil {
		return Classification{}, classifyAIErr("classify", err)
	}
	return ParseClassification(obj)
}

// ParseClassification validates a structured classifier response. Anything
// outside the contract is a permanent content error.
func ParseClassification(obj map[string]any) (Classification, error) {
	edgeType, ok := obj["edge_type"].(string)
	if !ok || !graph.ValidEdgeType(strings.TrimSpace(edgeType)) {
		return Classification{}, apperr.PermanentContentf("classify", "invalid edge_type %v", obj["edge_type"])
	}
	conf, ok := obj["confidence"].(float64)
	if !ok || math.IsNaN(conf) || conf < 0 || conf > 1 {
		return Classification{}, apperr.PermanentContentf("classify", "invalid confidence %v", obj["confidence"])
	}
	expl, ok := obj["explanation"].(string)
	if !ok {
		return Classification{}, apperr.PermanentContentf("classify", "missing explanation")
	}
	return Classification{
		EdgeType:    strings.TrimSpace(edgeType),
		Confidence:  conf,
		Explanation: strings.TrimSpace(expl),
	}, nil
}

const synthesizeSystem = "You are an empathetic and insightful therapist."

func synthesizeSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"generated_text"},
		"properties": map[string]any{
			"generated_text": map[string]any{"type": "string"},
		},
	}
}

func (s *thoughtAI) Synthesize(ctx context.Context, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", apperr.PermanentContentf("synthesize", "no texts")
	}
	budget := s.opts.MaxInputChars / len(texts)
	var b strings.Builder
	b.WriteString("Based on the following connected thoughts, write a short reflection.\n\nThoughts:\n")
	for i, t := range texts {
		fmt.Fprintf(&b, "%d. %q\n", i+1, clip(t, budget))
	}
	b.WriteString("\nThe reflection should identify patterns in the person's thinking, note contradictions or emotional shifts, " +
		"and offer a helpful perspective for self-awareness. Be empathetic and non-judgmental.")

	obj, err := s.ai.GenerateJSON(ctx, synthesizeSystem, b.String(), "reflection", synthesizeSchema())
	if err != nil {
		return "", classifyAIErr("synthesize", err)
	}
	text, _ := obj["generated_text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.PermanentContentf("synthesize", "empty generated_text")
	}
	return text, nil
}

// classifyAIErr maps a provider error onto the taxonomy: refusals and content
// rejections are permanent, everything else is retried.
func classifyAIErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, openai.ErrRefused) || errors.Is(err, openai.ErrMalformedOutput) {
		return apperr.PermanentContent(op, err)
	}
	if apperr.Classify(err) == apperr.KindPermanentContent {
		return apperr.PermanentContent(op, err)
	}
	return apperr.Transient(op, err)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orGeneric(s string) string {
	if strings.TrimSpace(s) == "" {
		return "generic"
	}
	return s
}
