package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	"github.com/yungbote/codegraph-triangulation/internal/data/repos/testutil"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
)

// startRecorder records the workflow IDs it was asked to start. Every other
// client method panics through the nil embedded interface.
type startRecorder struct {
	temporalsdkclient.Client

	mu  sync.Mutex
	ids []string
}

func (c *startRecorder) ExecuteWorkflow(_ context.Context, opts temporalsdkclient.StartWorkflowOptions, _ interface{}, _ ...interface{}) (temporalsdkclient.WorkflowRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, opts.ID)
	return nil, nil
}

func (c *startRecorder) started() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestEnqueueDispatchesOnlyInsertedJobs(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	jobRuns := repos.NewJobRunRepo(db, log)
	tc := &startRecorder{}
	svc := NewJobService(db, log, jobRuns, nil, tc, "test")
	ctx := context.Background()
	runID := uuid.New()

	spec := func(key string) JobSpec {
		return JobSpec{RunID: runID, JobType: "analyze-file", JobKey: key, Scope: key}
	}

	n, err := svc.Enqueue(dbctx.Context{Ctx: ctx}, []JobSpec{spec("analyze-file:a.go")})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	first, err := jobRuns.GetByKey(dbctx.Context{Ctx: ctx}, runID, "analyze-file:a.go")
	require.NoError(t, err)
	require.NotNil(t, first)

	n, err = svc.Enqueue(dbctx.Context{Ctx: ctx}, []JobSpec{spec("analyze-file:a.go"), spec("analyze-file:b.go")})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	second, err := jobRuns.GetByKey(dbctx.Context{Ctx: ctx}, runID, "analyze-file:b.go")
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, []string{first.ID.String(), second.ID.String()}, tc.started(),
		"the skipped key is not dispatched again under a fresh id")

	n, err = svc.Enqueue(dbctx.Context{Ctx: ctx}, []JobSpec{spec("analyze-file:a.go"), spec("analyze-file:b.go")})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, tc.started(), 2)
}
