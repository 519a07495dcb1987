package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos/testutil"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	jobstatus "github.com/yungbote/codegraph-triangulation/internal/domain/jobs"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
)

func TestJobRunRepoEnqueueIsIdempotentPerKey(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewJobRunRepo(db, testutil.Logger(t))
	runID := uuid.New()

	mk := func() *types.JobRun {
		return &types.JobRun{
			RunID:   runID,
			JobKey:  "reconcile-relationship:abc",
			JobType: "reconcile-relationship",
			Scope:   "abc",
			Payload: datatypes.JSON([]byte(`{}`)),
		}
	}
	n, err := repo.Enqueue(dbctx.Context{Ctx: ctx}, []*types.JobRun{mk()})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 inserted, got %d", n)
	}
	n, err = repo.Enqueue(dbctx.Context{Ctx: ctx}, []*types.JobRun{mk()})
	if err != nil {
		t.Fatalf("Enqueue again: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected duplicate enqueue to insert nothing, got %d", n)
	}

	// Same key under another run is a different job.
	other := mk()
	other.RunID = uuid.New()
	if n, err = repo.Enqueue(dbctx.Context{Ctx: ctx}, []*types.JobRun{other}); err != nil || n != 1 {
		t.Fatalf("Enqueue other run: n=%d err=%v", n, err)
	}

	rows, err := repo.ListByRun(dbctx.Context{Ctx: ctx}, runID, nil)
	if err != nil {
		t.Fatalf("ListByRun: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 job for run, got %d", len(rows))
	}
}

func TestJobRunRepoClaimAndQuarantine(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewJobRunRepo(db, testutil.Logger(t))
	runID := uuid.New()
	now := time.Now()

	queued := &types.JobRun{
		RunID: runID, JobKey: "analyze-file:a.go", JobType: "analyze-file", Scope: "a.go",
		CreatedAt: now.Add(-3 * time.Hour), UpdatedAt: now.Add(-3 * time.Hour),
	}
	failedRecent := &types.JobRun{
		RunID: runID, JobKey: "analyze-file:b.go", JobType: "analyze-file", Scope: "b.go",
		Status: jobstatus.StatusFailed, Attempts: 1, LastErrorAt: ptrTime(now),
		CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now,
	}
	quarantined := &types.JobRun{
		RunID: runID, JobKey: "analyze-file:c.go", JobType: "analyze-file", Scope: "c.go",
		Status: jobstatus.StatusQuarantined, Attempts: 5,
		CreatedAt: now.Add(-4 * time.Hour), UpdatedAt: now,
	}
	if _, err := repo.Enqueue(dbctx.Context{Ctx: ctx}, []*types.JobRun{queued, failedRecent, quarantined}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, 5, time.Minute, 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed == nil || claimed.ID != queued.ID {
		t.Fatalf("expected queued job to be claimed first, got %+v", claimed)
	}
	if claimed.Status != jobstatus.StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed state: status=%s attempts=%d", claimed.Status, claimed.Attempts)
	}

	// failedRecent is inside its retry delay and quarantined is never runnable.
	next, err := repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, 5, time.Minute, 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if next != nil {
		t.Fatalf("expected nothing runnable, got %s", next.JobKey)
	}

	if err := repo.Quarantine(dbctx.Context{Ctx: ctx}, queued.ID, "model_retry_budget", "boom"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	dead, err := repo.ListByRun(dbctx.Context{Ctx: ctx}, runID, []string{jobstatus.StatusQuarantined})
	if err != nil {
		t.Fatalf("ListByRun: %v", err)
	}
	if len(dead) != 2 {
		t.Fatalf("expected 2 quarantined jobs, got %d", len(dead))
	}
	counts, err := repo.CountByRunAndStatus(dbctx.Context{Ctx: ctx}, runID)
	if err != nil {
		t.Fatalf("CountByRunAndStatus: %v", err)
	}
	if counts[jobstatus.StatusQuarantined] != 2 || counts[jobstatus.StatusFailed] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestJobRunRepoClaimByID(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewJobRunRepo(db, testutil.Logger(t))
	runID := uuid.New()
	now := time.Now()

	job := &types.JobRun{RunID: runID, JobKey: "resolve-global:all", JobType: "resolve-global", Scope: "all"}
	done := &types.JobRun{
		RunID: runID, JobKey: "resolve-directory:pkg", JobType: "resolve-directory", Scope: "pkg",
		Status: jobstatus.StatusSucceeded, CreatedAt: now, UpdatedAt: now,
	}
	if _, err := repo.Enqueue(dbctx.Context{Ctx: ctx}, []*types.JobRun{job, done}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := repo.ClaimByID(dbctx.Context{Ctx: ctx}, job.ID, 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimByID: %v", err)
	}
	if claimed == nil || claimed.Status != jobstatus.StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claim: %+v", claimed)
	}

	// A fresh running job belongs to someone else.
	again, err := repo.ClaimByID(dbctx.Context{Ctx: ctx}, job.ID, 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimByID: %v", err)
	}
	if again != nil {
		t.Fatalf("expected running job to be unclaimable, got %+v", again)
	}

	finished, err := repo.ClaimByID(dbctx.Context{Ctx: ctx}, done.ID, 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimByID: %v", err)
	}
	if finished != nil {
		t.Fatalf("expected succeeded job to be unclaimable")
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
