package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobrepos "github.com/yungbote/smriti-backend/internal/data/repos/jobs"
	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/domain/jobs"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

/*
Context is the execution handle for a single claimed job run.
It wraps:
	- the run's context.Context (worker shutdown cancels it)
	- the job_run row in memory
	- the only sanctioned ways to report progress or terminate the run
Pipelines never touch job_run directly. They go through this object.
*/
type Context struct {
	Ctx     context.Context
	DB      *gorm.DB
	Job     *types.JobRun
	Repo    jobrepos.JobRunRepo
	Log     *logger.Logger
	payload map[string]any
	now     func() time.Time
}

// NewContext decodes the payload eagerly. A malformed payload decodes to an
// empty map; handlers validate the fields they need.
func NewContext(ctx context.Context, db *gorm.DB, job *types.JobRun, repo jobrepos.JobRunRepo, log *logger.Logger) *Context {
	if log == nil {
		log = logger.NewNop()
	}
	c := &Context{
		Ctx:  ctx,
		DB:   db,
		Job:  job,
		Repo: repo,
		Log:  log,
		now:  func() time.Time { return time.Now().UTC() },
	}
	if job != nil {
		c.Log = log.With("job_id", job.ID, "job_type", job.JobType)
	}
	_ = c.decodePayload()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil || len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	if m == nil {
		m = map[string]any{}
	}
	c.payload = m
	return nil
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// PayloadInt accepts JSON numbers and numeric strings; anything else yields def.
func (c *Context) PayloadInt(key string, def int) int {
	switch v := c.Payload()[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (c *Context) dbc() dbctx.Context {
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	// terminal writes must land even when the run was canceled
	return dbctx.Context{Ctx: context.WithoutCancel(ctx)}
}

func (c *Context) guarded(updates map[string]interface{}) bool {
	if c.Repo == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return true
	}
	ok, err := c.Repo.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, []string{jobs.StatusCanceled}, updates)
	if err != nil {
		c.Log.Warn("job_run update failed", "error", err)
		return false
	}
	return ok
}

// Progress records a non-terminal stage update and refreshes the heartbeat.
// Canceled runs are never overwritten.
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	now := c.now()
	if !c.guarded(map[string]interface{}{
		"stage":        stage,
		"progress":     pct,
		"message":      msg,
		"heartbeat_at": now,
		"updated_at":   now,
	}) {
		return
	}
	if c.Job != nil {
		c.Job.Stage = stage
		c.Job.Progress = pct
		c.Job.Message = msg
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}
}

// Fail marks the run failed. The worker retries failed runs after its retry
// delay until attempts run out.
func (c *Context) Fail(stage string, err error) {
	if c == nil {
		return
	}
	now := c.now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if !c.guarded(map[string]interface{}{
		"status":        jobs.StatusFailed,
		"stage":         stage,
		"message":       "",
		"error":         msg,
		"last_error_at": now,
		"locked_at":     nil,
		"updated_at":    now,
	}) {
		return
	}
	if c.Job != nil {
		c.Job.Status = jobs.StatusFailed
		c.Job.Stage = stage
		c.Job.Message = ""
		c.Job.Error = msg
		c.Job.LastErrorAt = &now
		c.Job.LockedAt = nil
		c.Job.UpdatedAt = now
	}
	c.Log.Warn("job failed", "stage", stage, "error", msg)
}

// Succeed marks the run succeeded and stores result as JSON.
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil {
		return
	}
	now := c.now()
	var res datatypes.JSON
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			c.Fail(finalStage, fmt.Errorf("encode result: %w", err))
			return
		}
		res = datatypes.JSON(b)
	}
	if !c.guarded(map[string]interface{}{
		"status":       jobs.StatusSucceeded,
		"stage":        finalStage,
		"progress":     100,
		"message":      "",
		"error":        "",
		"result":       res,
		"locked_at":    nil,
		"heartbeat_at": now,
		"updated_at":   now,
	}) {
		return
	}
	if c.Job != nil {
		c.Job.Status = jobs.StatusSucceeded
		c.Job.Stage = finalStage
		c.Job.Progress = 100
		c.Job.Message = ""
		c.Job.Error = ""
		c.Job.Result = res
		c.Job.LockedAt = nil
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}
}
