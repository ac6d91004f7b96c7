package scheduler

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/smriti-backend/internal/data/repos/testutil"
	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/domain/jobs"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []string
	busy  map[string]bool
}

func (f *fakeEnqueuer) EnqueueIfIdle(_ dbctx.Context, _ *uuid.UUID, jobType string, _ map[string]any) (*types.JobRun, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobType)
	if f.busy[jobType] {
		return nil, false, nil
	}
	return &types.JobRun{ID: uuid.New(), JobType: jobType}, true, nil
}

// memLock mimics SETNX with expiry.
type memLock struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   time.Time
	err   error
}

func (l *memLock) TryLock(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.until == nil {
		l.until = map[string]time.Time{}
	}
	if l.now.Before(l.until[name]) {
		return false, nil
	}
	l.until[name] = l.now.Add(ttl)
	return true, nil
}

func TestStageEntriesSkipEmptySpecs(t *testing.T) {
	cfg := Config{EmbedSpec: "@every 1m", ReflectSpec: "*/15 * * * *"}
	s, err := New(testutil.Logger(t), &fakeEnqueuer{}, nil, 0, StageEntries(cfg, 10, 20, 5, 50))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries=%d want 2", len(entries))
	}
	if entries[0].JobType != jobs.TypeNodeEmbed || entries[0].Payload["batch_size"] != 10 {
		t.Fatalf("entry 0: %+v", entries[0])
	}
	if entries[1].JobType != jobs.TypeReflectionSynthesize || entries[1].Payload["overall_batch_size"] != 50 {
		t.Fatalf("entry 1: %+v", entries[1])
	}
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New(testutil.Logger(t), &fakeEnqueuer{}, nil, 0, []Entry{{JobType: jobs.TypeEdgeInfer, Spec: "every now and then"}})
	if err == nil {
		t.Fatalf("New with bad spec: expected error")
	}
}

func TestTickLockAllowsOneReplica(t *testing.T) {
	lock := &memLock{now: time.Now()}
	enq := &fakeEnqueuer{}
	entry := Entry{JobType: jobs.TypeEdgeInfer, Spec: "@every 5m"}

	replicas := make([]*Scheduler, 3)
	for i := range replicas {
		s, err := New(testutil.Logger(t), enq, lock, time.Minute, []Entry{entry})
		if err != nil {
			t.Fatalf("New replica %d: %v", i, err)
		}
		replicas[i] = s
	}
	for i, s := range replicas {
		if err := s.Tick(context.Background(), entry); err != nil {
			t.Fatalf("Tick replica %d: %v", i, err)
		}
	}
	if !reflect.DeepEqual(enq.calls, []string{jobs.TypeEdgeInfer}) {
		t.Fatalf("enqueues=%v want one", enq.calls)
	}

	lock.now = lock.now.Add(2 * time.Minute)
	if err := replicas[2].Tick(context.Background(), entry); err != nil {
		t.Fatalf("Tick after expiry: %v", err)
	}
	if len(enq.calls) != 2 {
		t.Fatalf("enqueues=%d want 2", len(enq.calls))
	}
}

func TestTickWithoutLockAndLockErrors(t *testing.T) {
	enq := &fakeEnqueuer{busy: map[string]bool{jobs.TypeNodeEmbed: true}}
	entry := Entry{JobType: jobs.TypeNodeEmbed, Spec: "@every 1m"}

	s, err := New(testutil.Logger(t), enq, nil, 0, []Entry{entry})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Tick(context.Background(), entry); err != nil {
			t.Fatalf("Tick #%d: %v", i, err)
		}
	}
	if len(enq.calls) != 2 {
		t.Fatalf("enqueues=%d want 2", len(enq.calls))
	}

	broken, err := New(testutil.Logger(t), enq, &memLock{err: errors.New("redis down")}, 0, []Entry{entry})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := broken.Tick(context.Background(), entry); err == nil {
		t.Fatalf("Tick with failing lock: expected error")
	}
	if len(enq.calls) != 2 {
		t.Fatalf("enqueued without the lock")
	}
}

func TestStartStop(t *testing.T) {
	s, err := New(testutil.Logger(t), &fakeEnqueuer{}, nil, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}
