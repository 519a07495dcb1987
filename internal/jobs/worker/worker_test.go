package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	"github.com/yungbote/codegraph-triangulation/internal/data/repos/testutil"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	jobstatus "github.com/yungbote/codegraph-triangulation/internal/domain/jobs"
	"github.com/yungbote/codegraph-triangulation/internal/jobs/runtime"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
)

type funcHandler struct {
	typ string
	fn  func(jc *runtime.Context) error
}

func (h funcHandler) Type() string                  { return h.typ }
func (h funcHandler) Run(jc *runtime.Context) error { return h.fn(jc) }

func setup(t *testing.T, maxAttempts int, handlers ...runtime.Handler) (*Worker, repos.JobRunRepo) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repo := repos.NewJobRunRepo(db, log)
	reg := runtime.NewRegistry()
	for _, h := range handlers {
		require.NoError(t, reg.Register(h))
	}
	w := NewWorker(db, log, repo, reg, nil, Config{
		Concurrency:  1,
		MaxAttempts:  maxAttempts,
		RetryDelay:   time.Hour,
		StaleRunning: time.Hour,
	})
	return w, repo
}

func enqueue(t *testing.T, repo repos.JobRunRepo, jobType string) uuid.UUID {
	t.Helper()
	job := &types.JobRun{
		RunID:   uuid.New(),
		JobKey:  jobType + ":" + uuid.NewString(),
		JobType: jobType,
		Scope:   "x",
		Payload: datatypes.JSON([]byte(`{"runId":"r"}`)),
	}
	_, err := repo.Enqueue(dbctx.Context{Ctx: context.Background()}, []*types.JobRun{job})
	require.NoError(t, err)
	return job.ID
}

func statusOf(t *testing.T, repo repos.JobRunRepo, id uuid.UUID) *types.JobRun {
	t.Helper()
	rows, err := repo.GetByIDs(dbctx.Context{Ctx: context.Background()}, []uuid.UUID{id})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func TestRunOnceOutcomes(t *testing.T) {
	cases := []struct {
		name        string
		maxAttempts int
		fn          func(jc *runtime.Context) error
		wantStatus  string
	}{
		{"success", 5, func(jc *runtime.Context) error { return nil }, jobstatus.StatusSucceeded},
		{"handler finishes itself", 5, func(jc *runtime.Context) error {
			jc.Succeed("no_evidence", map[string]any{"ok": true})
			return nil
		}, jobstatus.StatusSucceeded},
		{"transient error", 5, func(jc *runtime.Context) error { return errors.New("db down") }, jobstatus.StatusFailed},
		{"quarantine error", 5, func(jc *runtime.Context) error {
			return fmt.Errorf("model: %w", runtime.ErrQuarantine)
		}, jobstatus.StatusQuarantined},
		{"attempts exhausted", 1, func(jc *runtime.Context) error { return errors.New("still down") }, jobstatus.StatusQuarantined},
		{"panic", 5, func(jc *runtime.Context) error { panic("boom") }, jobstatus.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, repo := setup(t, tc.maxAttempts, funcHandler{typ: "t", fn: tc.fn})
			id := enqueue(t, repo, "t")

			ran, err := w.RunOnce(context.Background())
			require.NoError(t, err)
			require.True(t, ran)

			job := statusOf(t, repo, id)
			assert.Equal(t, tc.wantStatus, job.Status)
			assert.Equal(t, 1, job.Attempts)
		})
	}
}

func TestRunOnceMissingHandlerQuarantines(t *testing.T) {
	w, repo := setup(t, 5)
	id := enqueue(t, repo, "unknown")

	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	job := statusOf(t, repo, id)
	assert.Equal(t, jobstatus.StatusQuarantined, job.Status)
	assert.Equal(t, "dispatch", job.Stage)
}

func TestQuarantinedJobsAreNeverReclaimed(t *testing.T) {
	w, repo := setup(t, 5, funcHandler{typ: "t", fn: func(jc *runtime.Context) error {
		return runtime.ErrQuarantine
	}})
	enqueue(t, repo, "t")

	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	ran, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestStartDrainsQueue(t *testing.T) {
	done := make(chan string, 3)
	w, repo := setup(t, 5, funcHandler{typ: "t", fn: func(jc *runtime.Context) error {
		done <- jc.Job.JobKey
		return nil
	}})
	w.cfg.PollInterval = 5 * time.Millisecond
	for i := 0; i < 3; i++ {
		enqueue(t, repo, "t")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("job %d not processed", i)
		}
	}
	cancel()
	w.Wait()
}
