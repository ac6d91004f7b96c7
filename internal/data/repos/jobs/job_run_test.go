package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/smriti-backend/internal/data/repos/testutil"
	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/domain/jobs"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
)

func TestJobRunRepo(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Background(context.Background())
	repo := NewJobRunRepo(db, testutil.Logger(t))

	now := time.Now().UTC()
	ownerUserID := uuid.New()

	queued := &types.JobRun{
		JobType:   "edge_infer",
		Status:    jobs.StatusQueued,
		Payload:   datatypes.JSON([]byte(`{"batch_size":5}`)),
		CreatedAt: now.Add(-3 * time.Hour),
		UpdatedAt: now.Add(-3 * time.Hour),
	}
	failed := &types.JobRun{
		JobType:     "node_embed",
		Status:      jobs.StatusFailed,
		LastErrorAt: testutil.PtrTime(now.Add(-2 * time.Hour)),
		CreatedAt:   now.Add(-2 * time.Hour),
		UpdatedAt:   now.Add(-2 * time.Hour),
	}
	staleRunning := &types.JobRun{
		OwnerUserID: &ownerUserID,
		JobType:     "reflection_synthesize",
		Status:      jobs.StatusRunning,
		HeartbeatAt: testutil.PtrTime(now.Add(-10 * time.Hour)),
		CreatedAt:   now.Add(-1 * time.Hour),
		UpdatedAt:   now.Add(-1 * time.Hour),
	}
	fresh := &types.JobRun{
		JobType:     "node_embed",
		Status:      jobs.StatusRunning,
		HeartbeatAt: testutil.PtrTime(now),
		CreatedAt:   now.Add(-30 * time.Minute),
		UpdatedAt:   now,
	}

	created, err := repo.Create(dbc, []*types.JobRun{queued, failed, staleRunning, fresh})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(created) != 4 {
		t.Fatalf("Create: expected 4, got %d", len(created))
	}
	if queued.ID == uuid.Nil {
		t.Fatalf("Create: expected generated id")
	}

	if rows, err := repo.GetByIDs(dbc, []uuid.UUID{queued.ID, failed.ID, staleRunning.ID}); err != nil || len(rows) != 3 {
		t.Fatalf("GetByIDs: err=%v len=%d", err, len(rows))
	}

	want := []uuid.UUID{queued.ID, failed.ID, staleRunning.ID}
	for i, id := range want {
		job, err := repo.ClaimNextRunnable(dbc, 5, 30*time.Second, 30*time.Minute)
		if err != nil {
			t.Fatalf("ClaimNextRunnable #%d: %v", i, err)
		}
		if job == nil || job.ID != id {
			t.Fatalf("ClaimNextRunnable #%d: expected %s, got %+v", i, id, job)
		}
		if job.Status != jobs.StatusRunning || job.Attempts != 1 {
			t.Fatalf("ClaimNextRunnable #%d: status=%s attempts=%d", i, job.Status, job.Attempts)
		}
	}
	if job, err := repo.ClaimNextRunnable(dbc, 5, 30*time.Second, 30*time.Minute); err != nil || job != nil {
		t.Fatalf("ClaimNextRunnable: expected nothing left, got job=%v err=%v", job, err)
	}

	ok, err := repo.UpdateFieldsUnlessStatus(dbc, queued.ID, []string{jobs.StatusCanceled}, map[string]interface{}{"status": jobs.StatusSucceeded})
	if err != nil || !ok {
		t.Fatalf("UpdateFieldsUnlessStatus: ok=%v err=%v", ok, err)
	}
	if err := repo.UpdateFields(dbc, failed.ID, map[string]interface{}{"status": jobs.StatusCanceled}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	ok, err = repo.UpdateFieldsUnlessStatus(dbc, failed.ID, []string{jobs.StatusCanceled}, map[string]interface{}{"status": jobs.StatusSucceeded})
	if err != nil || ok {
		t.Fatalf("UpdateFieldsUnlessStatus on canceled: ok=%v err=%v", ok, err)
	}

	if err := repo.Heartbeat(dbc, staleRunning.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	exists, err := repo.ExistsRunnable(dbc, "reflection_synthesize", &ownerUserID)
	if err != nil || !exists {
		t.Fatalf("ExistsRunnable(owner): exists=%v err=%v", exists, err)
	}
	exists, err = repo.ExistsRunnable(dbc, "edge_infer", nil)
	if err != nil || exists {
		t.Fatalf("ExistsRunnable(succeeded): exists=%v err=%v", exists, err)
	}

	recent, err := repo.ListRecent(dbc, "node_embed", 10)
	if err != nil || len(recent) != 2 {
		t.Fatalf("ListRecent: err=%v len=%d", err, len(recent))
	}
}
