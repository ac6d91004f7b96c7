package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/domain/jobs"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type Config struct {
	Enabled     bool          `env:"ENABLED" envDefault:"false" yaml:"enabled"`
	EmbedSpec   string        `env:"EMBED_SPEC" envDefault:"@every 1m" yaml:"embed_spec"`
	EdgeSpec    string        `env:"EDGE_SPEC" envDefault:"@every 5m" yaml:"edge_spec"`
	ReflectSpec string        `env:"REFLECT_SPEC" envDefault:"@every 15m" yaml:"reflect_spec"`
	LockTTL     time.Duration `env:"LOCK_TTL" envDefault:"30s" yaml:"lock_ttl"`
}

type Enqueuer interface {
	EnqueueIfIdle(dbc dbctx.Context, ownerUserID *uuid.UUID, jobType string, payload map[string]any) (*types.JobRun, bool, error)
}

// Locker is optional. Without one every replica enqueues on every tick and
// EnqueueIfIdle keeps the queue from piling up.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// Entry is one periodic stage trigger. An empty Spec disables it.
type Entry struct {
	JobType string
	Spec    string
	Payload map[string]any
}

type Scheduler struct {
	cron    *cron.Cron
	log     *logger.Logger
	enq     Enqueuer
	lock    Locker
	lockTTL time.Duration

	mu      sync.Mutex
	running bool
	entries []Entry
}

func New(baseLog *logger.Logger, enq Enqueuer, lock Locker, lockTTL time.Duration, entries []Entry) (*Scheduler, error) {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	s := &Scheduler{
		cron:    cron.New(),
		log:     baseLog.With("component", "Scheduler"),
		enq:     enq,
		lock:    lock,
		lockTTL: lockTTL,
	}
	for _, e := range entries {
		if strings.TrimSpace(e.Spec) == "" {
			continue
		}
		e := e
		if _, err := s.cron.AddFunc(e.Spec, func() { _ = s.Tick(context.Background(), e) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", e.JobType, e.Spec, err)
		}
		s.entries = append(s.entries, e)
		s.log.Info("added cron task", "job_type", e.JobType, "spec", e.Spec)
	}
	return s, nil
}

// Entries returns the enabled triggers.
func (s *Scheduler) Entries() []Entry { return append([]Entry(nil), s.entries...) }

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.log.Info("scheduler started", "tasks", len(s.entries))
}

func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	select {
	case <-s.cron.Stop().Done():
		s.log.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timeout")
	}
	s.running = false
}

// Tick enqueues one global run of e.JobType unless another replica holds the
// tick lock or a run is already queued or running.
func (s *Scheduler) Tick(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if s.lock != nil {
		ok, err := s.lock.TryLock(ctx, e.JobType, s.lockTTL)
		if err != nil {
			s.log.Warn("tick lock failed", "job_type", e.JobType, "error", err)
			return err
		}
		if !ok {
			s.log.Debug("tick held by another replica", "job_type", e.JobType)
			return nil
		}
	}
	job, enqueued, err := s.enq.EnqueueIfIdle(dbctx.Background(ctx), nil, e.JobType, e.Payload)
	if err != nil {
		s.log.Warn("scheduled enqueue failed", "job_type", e.JobType, "error", err)
		return err
	}
	if enqueued {
		s.log.Debug("scheduled run enqueued", "job_type", e.JobType, "job_id", job.ID)
	}
	return nil
}

// StageEntries builds the three stage triggers from cfg.
func StageEntries(cfg Config, embedBatch, edgeBatch, reflectPerUser, reflectOverall int) []Entry {
	return []Entry{
		{JobType: jobs.TypeNodeEmbed, Spec: cfg.EmbedSpec, Payload: map[string]any{"batch_size": embedBatch}},
		{JobType: jobs.TypeEdgeInfer, Spec: cfg.EdgeSpec, Payload: map[string]any{"batch_size": edgeBatch}},
		{JobType: jobs.TypeReflectionSynthesize, Spec: cfg.ReflectSpec, Payload: map[string]any{
			"batch_size_per_user": reflectPerUser,
			"overall_batch_size":  reflectOverall,
		}},
	}
}
