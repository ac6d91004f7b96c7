package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	jobrepos "github.com/yungbote/smriti-backend/internal/data/repos/jobs"
	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/jobs/runtime"
	"github.com/yungbote/smriti-backend/internal/observability"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type Config struct {
	Concurrency       int           `env:"CONCURRENCY" envDefault:"4" yaml:"concurrency"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"1s" yaml:"poll_interval"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"5" yaml:"max_attempts"`
	RetryDelay        time.Duration `env:"RETRY_DELAY" envDefault:"30s" yaml:"retry_delay"`
	StaleRunning      time.Duration `env:"STALE_RUNNING" envDefault:"30m" yaml:"stale_running"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s" yaml:"heartbeat_interval"`
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.StaleRunning <= 0 {
		c.StaleRunning = 30 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     jobrepos.JobRunRepo
	registry *runtime.Registry
	cfg      Config
	wg       sync.WaitGroup
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo jobrepos.JobRunRepo, registry *runtime.Registry, cfg Config) *Worker {
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "JobWorker"),
		repo:     repo,
		registry: registry,
		cfg:      cfg.withDefaults(),
	}
}

// Start launches the poll loops and returns immediately. Wait blocks until
// every loop has observed ctx cancellation and finished its current run.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting job worker pool", "concurrency", w.cfg.Concurrency, "job_types", w.registry.Types())
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go func(workerID int) {
			defer w.wg.Done()
			w.runLoop(ctx, workerID)
		}(i + 1)
	}
}

func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			// drain the queue before waiting for the next tick
			for ctx.Err() == nil {
				ran, err := w.RunOnce(ctx)
				if err != nil {
					w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
					break
				}
				if !ran {
					break
				}
			}
		}
	}
}

// RunOnce claims and executes at most one job run. It reports whether a run
// was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.repo.ClaimNextRunnable(dbctx.Background(ctx), w.cfg.MaxAttempts, w.cfg.RetryDelay, w.cfg.StaleRunning)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *types.JobRun) {
	jc := runtime.NewContext(ctx, w.db, job, w.repo, w.log)
	start := time.Now()

	h, err := w.registry.Lookup(job.JobType)
	if err != nil {
		w.log.Warn("No handler registered for job_type", "job_type", job.JobType, "job_id", job.ID)
		jc.Fail("dispatch", err)
		observability.Current().ObserveJob(job.JobType, "failed", time.Since(start))
		return
	}

	stopBeat := w.heartbeat(ctx, job)
	defer stopBeat()

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Job handler panic", "job_id", job.ID, "job_type", job.JobType, "panic", r)
				jc.Fail("panic", errFromRecover(r))
			}
		}()
		if runErr := h.Run(jc); runErr != nil {
			// handlers usually call jc.Fail themselves
			jc.Fail("run", runErr)
		}
	}()
	observability.Current().ObserveJob(job.JobType, jc.Job.Status, time.Since(start))
}

func (w *Worker) heartbeat(ctx context.Context, job *types.JobRun) func() {
	beatCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(w.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-t.C:
				if err := w.repo.Heartbeat(dbctx.Background(beatCtx), job.ID); err != nil {
					w.log.Warn("job heartbeat failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func errFromRecover(v any) error { return &panicError{Val: v} }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
