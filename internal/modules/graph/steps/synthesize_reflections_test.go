package steps

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/smriti-backend/internal/data/repos/testutil"
	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/domain/graph"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
)

func seedNodes(t *testing.T, h *harness, userID uuid.UUID, texts ...string) []*types.Node {
	t.Helper()
	out := make([]*types.Node, 0, len(texts))
	for _, text := range texts {
		out = append(out, testutil.SeedNode(t, context.Background(), h.db, testutil.NodeSeed{
			UserID: userID, Text: text, State: graph.NodeStateEdgeProcessed,
		}))
	}
	return out
}

func sameIDs(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]uuid.UUID(nil), a...)
	y := append([]uuid.UUID(nil), b...)
	sort.Slice(x, func(i, j int) bool { return x[i].String() < x[j].String() })
	sort.Slice(y, func(i, j int) bool { return y[i].String() < y[j].String() })
	return reflect.DeepEqual(x, y)
}

func TestClusterEdges(t *testing.T) {
	a, b, c, d, e := uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()
	e1 := &types.Edge{ID: uuid.New(), FromNodeID: a, ToNodeID: b}
	e2 := &types.Edge{ID: uuid.New(), FromNodeID: c, ToNodeID: d}
	e3 := &types.Edge{ID: uuid.New(), FromNodeID: b, ToNodeID: e}
	e4 := &types.Edge{ID: uuid.New(), FromNodeID: e, ToNodeID: a}

	got := ClusterEdges([]*types.Edge{e1, e2, e3, e4}, true)
	if len(got) != 2 {
		t.Fatalf("clusters=%d want 2", len(got))
	}
	if ids := got[0].EdgeIDs(); !reflect.DeepEqual(ids, []uuid.UUID{e1.ID, e3.ID, e4.ID}) {
		t.Fatalf("first cluster edges=%v", ids)
	}
	if !reflect.DeepEqual(got[0].NodeIDs, []uuid.UUID{a, b, e}) {
		t.Fatalf("first cluster nodes=%v", got[0].NodeIDs)
	}
	if ids := got[1].EdgeIDs(); !reflect.DeepEqual(ids, []uuid.UUID{e2.ID}) {
		t.Fatalf("second cluster edges=%v", ids)
	}

	single := ClusterEdges([]*types.Edge{e1, e3}, false)
	if len(single) != 2 || len(single[0].Edges) != 1 {
		t.Fatalf("clustering off: %+v", single)
	}

	if got := ClusterEdges(nil, true); got != nil {
		t.Fatalf("ClusterEdges(nil)=%v", got)
	}
}

func TestSynthesizeReflectionsOnePerComponent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	n := seedNodes(t, h, userID, "n1", "n2", "n3", "n4", "n5", "n6")

	lone := testutil.SeedEdge(t, ctx, h.db, userID, n[0].ID, n[1].ID)
	chain := []*types.Edge{
		testutil.SeedEdge(t, ctx, h.db, userID, n[2].ID, n[3].ID),
		testutil.SeedEdge(t, ctx, h.db, userID, n[3].ID, n[4].ID),
		testutil.SeedEdge(t, ctx, h.db, userID, n[4].ID, n[5].ID),
	}

	synth := &fakeSynthesizer{}
	in := SynthesizeReflectionsInput{BatchSizePerUser: 5, OverallBatchSize: 50, Clustering: true}
	out, err := SynthesizeReflections(ctx, h.reflectDeps(synth), in)
	if err != nil {
		t.Fatalf("SynthesizeReflections: %v", err)
	}
	want := SynthesizeReflectionsOutput{Users: 1, Processed: 2, Success: 2, EdgesClaimed: 4, EdgesReflected: 4}
	if out != want {
		t.Fatalf("SynthesizeReflections: got %+v want %+v", out, want)
	}
	if len(synth.calls) != 2 {
		t.Fatalf("synthesizer calls=%d want 2", len(synth.calls))
	}

	refls, err := h.reflections.ListByUser(dbctx.Background(ctx), userID, 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(refls) != 2 {
		t.Fatalf("reflections=%d want 2", len(refls))
	}

	bySize := map[int]*types.Reflection{}
	for _, r := range refls {
		bySize[len(r.Edges)] = r
		if r.GeneratedText != "sealed:You keep coming back to this." {
			t.Fatalf("generated_text stored unsealed: %q", r.GeneratedText)
		}
	}
	if bySize[1] == nil || bySize[3] == nil {
		t.Fatalf("reflection sizes: %v", bySize)
	}
	if ids := bySize[1].EdgeIDs(); !reflect.DeepEqual(ids, []uuid.UUID{lone.ID}) {
		t.Fatalf("lone reflection edges=%v", ids)
	}
	if !sameIDs(bySize[3].EdgeIDs(), []uuid.UUID{chain[0].ID, chain[1].ID, chain[2].ID}) {
		t.Fatalf("chain reflection edges=%v", bySize[3].EdgeIDs())
	}

	var snapshot []uuid.UUID
	if err := json.Unmarshal(bySize[3].NodeIDs, &snapshot); err != nil {
		t.Fatalf("node_ids: %v", err)
	}
	if !sameIDs(snapshot, []uuid.UUID{n[2].ID, n[3].ID, n[4].ID, n[5].ID}) {
		t.Fatalf("node snapshot=%v", snapshot)
	}

	for _, e := range append(chain, lone) {
		got := testutil.ReloadEdge(t, h.db, e.ID)
		if got.ProcessingState != graph.EdgeStateReflectionProcessed || got.LeaseOwner != nil {
			t.Fatalf("edge %s: state=%s lease=%v", e.ID, got.ProcessingState, got.LeaseOwner)
		}
	}

	again, err := SynthesizeReflections(ctx, h.reflectDeps(synth), in)
	if err != nil {
		t.Fatalf("SynthesizeReflections rerun: %v", err)
	}
	if again.EdgesClaimed != 0 {
		t.Fatalf("reflected edges claimed again: %d", again.EdgesClaimed)
	}
}

func TestSynthesizeReflectionsOverallCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		userID := uuid.New()
		n := seedNodes(t, h, userID, "a", "b", "c", "d")
		testutil.SeedEdge(t, ctx, h.db, userID, n[0].ID, n[1].ID)
		testutil.SeedEdge(t, ctx, h.db, userID, n[1].ID, n[2].ID)
		testutil.SeedEdge(t, ctx, h.db, userID, n[2].ID, n[3].ID)
	}

	out, err := SynthesizeReflections(ctx, h.reflectDeps(&fakeSynthesizer{}), SynthesizeReflectionsInput{BatchSizePerUser: 5, OverallBatchSize: 4, Clustering: true})
	if err != nil {
		t.Fatalf("SynthesizeReflections: %v", err)
	}
	if out.Users != 2 || out.EdgesClaimed != 4 || out.EdgesReflected != 4 || out.Success != 2 {
		t.Fatalf("SynthesizeReflections: %+v", out)
	}
}

func TestSynthesizeReflectionsWithoutClustering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	n := seedNodes(t, h, userID, "a", "b", "c")
	testutil.SeedEdge(t, ctx, h.db, userID, n[0].ID, n[1].ID)
	testutil.SeedEdge(t, ctx, h.db, userID, n[1].ID, n[2].ID)

	out, err := SynthesizeReflections(ctx, h.reflectDeps(&fakeSynthesizer{}), SynthesizeReflectionsInput{UserID: &userID, BatchSizePerUser: 5, OverallBatchSize: 50})
	if err != nil {
		t.Fatalf("SynthesizeReflections: %v", err)
	}
	if out.Success != 2 {
		t.Fatalf("success=%d want 2", out.Success)
	}
}

func TestSynthesizeReflectionsFailuresStayIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	n := seedNodes(t, h, userID, "ok-1", "ok-2", "flaky-1", "flaky-2", "junk-1", "junk-2")
	okEdge := testutil.SeedEdge(t, ctx, h.db, userID, n[0].ID, n[1].ID)
	flakyEdge := testutil.SeedEdge(t, ctx, h.db, userID, n[2].ID, n[3].ID)
	junkEdge := testutil.SeedEdge(t, ctx, h.db, userID, n[4].ID, n[5].ID)

	synth := &fakeSynthesizer{fn: func(texts []string) (string, error) {
		// node order inside a cluster follows the canonical edge ends
		switch {
		case strings.HasPrefix(texts[0], "flaky"):
			return "", apperr.Transient("synthesize", errors.New("502"))
		case strings.HasPrefix(texts[0], "junk"):
			return "", apperr.PermanentContentf("synthesize", "empty generated_text")
		}
		return "fine", nil
	}}
	in := SynthesizeReflectionsInput{BatchSizePerUser: 5, OverallBatchSize: 50, Clustering: true}
	out, err := SynthesizeReflections(ctx, h.reflectDeps(synth), in)
	if err != nil {
		t.Fatalf("SynthesizeReflections: %v", err)
	}
	if out.Processed != 3 || out.Success != 1 || out.Errors != 2 || out.EdgesReflected != 1 {
		t.Fatalf("SynthesizeReflections: %+v", out)
	}

	if st := testutil.ReloadEdge(t, h.db, okEdge.ID).ProcessingState; st != graph.EdgeStateReflectionProcessed {
		t.Fatalf("ok edge state=%s", st)
	}

	flaky := testutil.ReloadEdge(t, h.db, flakyEdge.ID)
	if flaky.ProcessingState != graph.EdgeStateCreated || flaky.Attempts != 1 || flaky.LeaseOwner != nil {
		t.Fatalf("flaky edge: state=%s attempts=%d lease=%v", flaky.ProcessingState, flaky.Attempts, flaky.LeaseOwner)
	}

	if st := testutil.ReloadEdge(t, h.db, junkEdge.ID).ProcessingState; st != graph.EdgeStateReflectionProcessed {
		t.Fatalf("unsynthesizable clusters are not retried: state=%s", st)
	}

	refls, err := h.reflections.ListByUser(dbctx.Background(ctx), userID, 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(refls) != 1 || !reflect.DeepEqual(refls[0].EdgeIDs(), []uuid.UUID{okEdge.ID}) {
		t.Fatalf("reflections: %+v", refls)
	}

	h.clock.Advance(time.Hour)
	out, err = SynthesizeReflections(ctx, h.reflectDeps(&fakeSynthesizer{}), in)
	if err != nil {
		t.Fatalf("SynthesizeReflections retry: %v", err)
	}
	if out.Success != 1 {
		t.Fatalf("retry success=%d want 1", out.Success)
	}
	if st := testutil.ReloadEdge(t, h.db, flakyEdge.ID).ProcessingState; st != graph.EdgeStateReflectionProcessed {
		t.Fatalf("flaky edge after retry: state=%s", st)
	}
}

func TestSynthesizeReflectionsEncryptFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	n := seedNodes(t, h, userID, "a", "b")
	e := testutil.SeedEdge(t, ctx, h.db, userID, n[0].ID, n[1].ID)

	h.cipher.failEncrypt = true
	out, err := SynthesizeReflections(ctx, h.reflectDeps(&fakeSynthesizer{}), SynthesizeReflectionsInput{BatchSizePerUser: 5, OverallBatchSize: 50, Clustering: true})
	if err != nil {
		t.Fatalf("SynthesizeReflections: %v", err)
	}
	if out.Errors != 1 || out.Success != 0 {
		t.Fatalf("SynthesizeReflections: %+v", out)
	}

	got := testutil.ReloadEdge(t, h.db, e.ID)
	if !got.TerminalFailed() || got.ProcessingState != graph.EdgeStateCreated {
		t.Fatalf("edge: failed_at=%v state=%s", got.FailedAt, got.ProcessingState)
	}

	logs, err := h.errs.List(dbctx.Background(ctx), &userID, graph.StageReflection, 0)
	if err != nil {
		t.Fatalf("List errors: %v", err)
	}
	if len(logs) != 1 || logs[0].ErrorType != graph.ErrorTypeEncryptFailed || *logs[0].EdgeID != e.ID {
		t.Fatalf("error log: %+v", logs)
	}
}
