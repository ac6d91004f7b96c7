package worker

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	jobrepos "github.com/yungbote/smriti-backend/internal/data/repos/jobs"
	"github.com/yungbote/smriti-backend/internal/data/repos/testutil"
	"github.com/yungbote/smriti-backend/internal/domain/jobs"
	"github.com/yungbote/smriti-backend/internal/jobs/pipeline/edge_infer"
	"github.com/yungbote/smriti-backend/internal/jobs/pipeline/graph_mirror"
	"github.com/yungbote/smriti-backend/internal/jobs/runtime"
	"github.com/yungbote/smriti-backend/internal/modules/graph"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	"github.com/yungbote/smriti-backend/internal/services"
)

type funcHandler struct {
	typ string
	fn  func(jc *runtime.Context) error
}

func (h funcHandler) Type() string                  { return h.typ }
func (h funcHandler) Run(jc *runtime.Context) error { return h.fn(jc) }

type fakeEdgeTrigger struct {
	userIDs []*uuid.UUID
	batches []int
	err     error
}

func (f *fakeEdgeTrigger) TriggerEdgeInference(_ context.Context, userID *uuid.UUID, batchSize int) (graph.InferEdgesOutput, error) {
	f.userIDs = append(f.userIDs, userID)
	f.batches = append(f.batches, batchSize)
	if f.err != nil {
		return graph.InferEdgesOutput{}, f.err
	}
	return graph.InferEdgesOutput{Users: 1, Processed: batchSize, EdgesCreated: 2}, nil
}

type fakeMirror struct {
	users []uuid.UUID
}

func (f *fakeMirror) MirrorUser(_ context.Context, userID uuid.UUID) (graph.MirrorOutput, error) {
	f.users = append(f.users, userID)
	return graph.MirrorOutput{Nodes: 3, Edges: 1}, nil
}

type fixture struct {
	repo     jobrepos.JobRunRepo
	svc      services.JobService
	registry *runtime.Registry
	worker   *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repo := jobrepos.NewJobRunRepo(db, log)
	reg := runtime.NewRegistry()
	return &fixture{
		repo:     repo,
		svc:      services.NewJobService(db, log, repo),
		registry: reg,
		worker:   NewWorker(db, log, repo, reg, Config{MaxAttempts: 2, RetryDelay: time.Hour, HeartbeatInterval: time.Hour}),
	}
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) (status, errMsg string, result map[string]any) {
	t.Helper()
	job, err := f.svc.Get(dbctx.Background(context.Background()), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(job.Result) > 0 {
		if err := json.Unmarshal(job.Result, &result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
	}
	return job.Status, job.Error, result
}

func (f *fixture) register(t *testing.T, h ...runtime.Handler) {
	t.Helper()
	if err := f.registry.Register(h...); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func (f *fixture) enqueue(t *testing.T, owner *uuid.UUID, typ string, payload map[string]any) uuid.UUID {
	t.Helper()
	job, err := f.svc.Enqueue(dbctx.Background(context.Background()), owner, typ, payload)
	if err != nil {
		t.Fatalf("Enqueue %s: %v", typ, err)
	}
	return job.ID
}

func (f *fixture) runOnce(t *testing.T) bool {
	t.Helper()
	ran, err := f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return ran
}

func TestWorkerRunsEdgeInferenceJob(t *testing.T) {
	f := newFixture(t)
	trigger := &fakeEdgeTrigger{}
	f.register(t, edge_infer.New(testutil.Logger(t), trigger, 20))

	userID := uuid.New()
	jobID := f.enqueue(t, nil, jobs.TypeEdgeInfer, map[string]any{"user_id": userID.String(), "batch_size": 7})

	if !f.runOnce(t) {
		t.Fatalf("queued run not claimed")
	}
	if len(trigger.userIDs) != 1 || trigger.userIDs[0] == nil || *trigger.userIDs[0] != userID {
		t.Fatalf("trigger users=%v", trigger.userIDs)
	}
	if !reflect.DeepEqual(trigger.batches, []int{7}) {
		t.Fatalf("batches=%v", trigger.batches)
	}

	status, _, result := f.reload(t, jobID)
	if status != jobs.StatusSucceeded {
		t.Fatalf("status=%s", status)
	}
	if result["edges_created"] != float64(2) || result["processed"] != float64(7) {
		t.Fatalf("result=%v", result)
	}

	if f.runOnce(t) {
		t.Fatalf("succeeded run claimed again")
	}
}

func TestWorkerEdgeInferenceDefaultsToAllUsers(t *testing.T) {
	f := newFixture(t)
	trigger := &fakeEdgeTrigger{}
	f.register(t, edge_infer.New(testutil.Logger(t), trigger, 20))

	f.enqueue(t, nil, jobs.TypeEdgeInfer, nil)
	f.runOnce(t)

	if len(trigger.userIDs) != 1 || trigger.userIDs[0] != nil {
		t.Fatalf("trigger users=%v", trigger.userIDs)
	}
	if !reflect.DeepEqual(trigger.batches, []int{20}) {
		t.Fatalf("batches=%v", trigger.batches)
	}
}

func TestWorkerFailures(t *testing.T) {
	f := newFixture(t)
	f.register(t,
		edge_infer.New(testutil.Logger(t), &fakeEdgeTrigger{err: errors.New("classifier down")}, 5),
		funcHandler{typ: jobs.TypeNodeEmbed, fn: func(*runtime.Context) error { panic("boom") }},
		funcHandler{typ: jobs.TypeReflectionSynthesize, fn: func(*runtime.Context) error { return errors.New("not handled") }},
	)

	infer := f.enqueue(t, nil, jobs.TypeEdgeInfer, nil)
	embed := f.enqueue(t, nil, jobs.TypeNodeEmbed, nil)
	synth := f.enqueue(t, nil, jobs.TypeReflectionSynthesize, nil)

	for i := 0; i < 3; i++ {
		if !f.runOnce(t) {
			t.Fatalf("RunOnce #%d found nothing", i)
		}
	}

	if status, msg, _ := f.reload(t, infer); status != jobs.StatusFailed || !strings.Contains(msg, "classifier down") {
		t.Fatalf("edge_infer: status=%s error=%q", status, msg)
	}
	if status, msg, _ := f.reload(t, embed); status != jobs.StatusFailed || !strings.Contains(msg, "boom") {
		t.Fatalf("node_embed: status=%s error=%q", status, msg)
	}
	if status, msg, _ := f.reload(t, synth); status != jobs.StatusFailed || msg != "not handled" {
		t.Fatalf("reflection_synthesize: status=%s error=%q", status, msg)
	}

	if f.runOnce(t) {
		t.Fatalf("failed run claimed before its retry delay")
	}
}

func TestWorkerMissingHandler(t *testing.T) {
	f := newFixture(t)
	jobID := f.enqueue(t, nil, jobs.TypeNodeEmbed, nil)

	if !f.runOnce(t) {
		t.Fatalf("queued run not claimed")
	}
	status, msg, _ := f.reload(t, jobID)
	if status != jobs.StatusFailed || !strings.Contains(msg, "no handler for job type") {
		t.Fatalf("status=%s error=%q", status, msg)
	}
}

func TestCanceledRunIsNotOverwritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var svc services.JobService = f.svc
	f.register(t, funcHandler{typ: jobs.TypeNodeEmbed, fn: func(jc *runtime.Context) error {
		if _, err := svc.Cancel(dbctx.Background(ctx), jc.Job.ID); err != nil {
			t.Errorf("Cancel: %v", err)
		}
		jc.Succeed("done", map[string]any{"claimed": 1})
		return nil
	}})
	jobID := f.enqueue(t, nil, jobs.TypeNodeEmbed, nil)

	f.runOnce(t)

	status, _, result := f.reload(t, jobID)
	if status != jobs.StatusCanceled {
		t.Fatalf("status=%s want canceled", status)
	}
	if len(result) != 0 {
		t.Fatalf("result written over cancel: %v", result)
	}
}

func TestEnqueueIfIdleAndValidation(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.Background(context.Background())

	if _, err := f.svc.Enqueue(dbc, nil, "bogus", nil); err == nil {
		t.Fatalf("Enqueue bogus type: expected error")
	}

	first, ok, err := f.svc.EnqueueIfIdle(dbc, nil, jobs.TypeReflectionSynthesize, nil)
	if err != nil || !ok || first == nil {
		t.Fatalf("first EnqueueIfIdle: job=%v ok=%v err=%v", first, ok, err)
	}

	if _, ok, err := f.svc.EnqueueIfIdle(dbc, nil, jobs.TypeReflectionSynthesize, nil); err != nil || ok {
		t.Fatalf("second EnqueueIfIdle: ok=%v err=%v", ok, err)
	}

	owner := uuid.New()
	if _, ok, err := f.svc.EnqueueIfIdle(dbc, &owner, jobs.TypeReflectionSynthesize, nil); err != nil || !ok {
		t.Fatalf("user-scoped run collided with global one: ok=%v err=%v", ok, err)
	}
}

func TestWorkerGraphMirrorUsesOwner(t *testing.T) {
	f := newFixture(t)
	mirror := &fakeMirror{}
	f.register(t, graph_mirror.New(testutil.Logger(t), mirror))

	owner := uuid.New()
	jobID := f.enqueue(t, &owner, jobs.TypeGraphMirror, nil)
	if !f.runOnce(t) {
		t.Fatalf("queued run not claimed")
	}
	if !reflect.DeepEqual(mirror.users, []uuid.UUID{owner}) {
		t.Fatalf("mirrored users=%v", mirror.users)
	}
	status, _, result := f.reload(t, jobID)
	if status != jobs.StatusSucceeded || result["nodes"] != float64(3) {
		t.Fatalf("status=%s result=%v", status, result)
	}

	unscoped := f.enqueue(t, nil, jobs.TypeGraphMirror, nil)
	if !f.runOnce(t) {
		t.Fatalf("unscoped run not claimed")
	}
	status, errMsg, _ := f.reload(t, unscoped)
	if status != jobs.StatusFailed || !strings.Contains(errMsg, "user_id") {
		t.Fatalf("unscoped: status=%s error=%q", status, errMsg)
	}
	if len(mirror.users) != 1 {
		t.Fatalf("unscoped run reached the mirror")
	}
}
