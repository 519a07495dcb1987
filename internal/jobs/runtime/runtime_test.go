package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	jobstatus "github.com/yungbote/codegraph-triangulation/internal/domain/jobs"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

type funcHandler struct {
	jobType string
	run     func(*Context) error
}

func (h funcHandler) Type() string { return h.jobType }
func (h funcHandler) Run(jc *Context) error { return h.run(jc) }

func TestRegistryRejectsDuplicatesAndSortsTypes(t *testing.T) {
	reg := NewRegistry()
	ok := func(*Context) error { return nil }
	require.NoError(t, reg.Register(funcHandler{"b", ok}, funcHandler{"a", ok}))
	assert.Error(t, reg.Register(funcHandler{"a", ok}))
	assert.Error(t, reg.Register(funcHandler{"", ok}))
	assert.Error(t, reg.Register(nil))
	assert.Equal(t, []string{"a", "b"}, reg.Types())
}

func TestExecuteOutcomes(t *testing.T) {
	cases := []struct {
		name     string
		jobType  string
		attempts int
		run      func(*Context) error
		want     string
	}{
		{name: "success", jobType: "t", attempts: 1, run: func(*Context) error { return nil }, want: jobstatus.StatusSucceeded},
		{name: "retryable", jobType: "t", attempts: 1, run: func(*Context) error { return errors.New("flaky") }, want: jobstatus.StatusFailed},
		{name: "quarantine", jobType: "t", attempts: 1, run: func(*Context) error {
			return fmt.Errorf("%w: bad payload", ErrQuarantine)
		}, want: jobstatus.StatusQuarantined},
		{name: "attempts exhausted", jobType: "t", attempts: 3, run: func(*Context) error { return errors.New("flaky") }, want: jobstatus.StatusQuarantined},
		{name: "panic", jobType: "t", attempts: 1, run: func(*Context) error { panic("boom") }, want: jobstatus.StatusFailed},
		{name: "unknown type", jobType: "missing", attempts: 1, run: nil, want: jobstatus.StatusQuarantined},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry()
			if tc.run != nil {
				require.NoError(t, reg.Register(funcHandler{"t", tc.run}))
			}
			job := &types.JobRun{JobType: tc.jobType, Status: jobstatus.StatusRunning, Attempts: tc.attempts}
			jc := NewContext(context.Background(), nil, job, nil, nil)
			assert.Equal(t, tc.want, Execute(logger.NewNop(), reg, jc, 3))
			assert.Equal(t, tc.want, job.Status)
		})
	}
}

func TestExecuteKeepsHandlerStage(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(funcHandler{"t", func(jc *Context) error {
		jc.Succeed("no_evidence", map[string]int{"n": 0})
		return nil
	}}))
	job := &types.JobRun{JobType: "t", Status: jobstatus.StatusRunning, Attempts: 1}
	Execute(logger.NewNop(), reg, NewContext(context.Background(), nil, job, nil, nil), 3)
	assert.Equal(t, "no_evidence", job.Stage)
	assert.JSONEq(t, `{"n":0}`, string(job.Result))
}

func TestDecodeRequiresPayload(t *testing.T) {
	jc := NewContext(context.Background(), nil, &types.JobRun{}, nil, nil)
	var v map[string]any
	assert.Error(t, jc.Decode(&v))

	jc.Job.Payload = []byte(`{"runId":"r"}`)
	require.NoError(t, jc.Decode(&v))
	assert.Equal(t, "r", v["runId"])
}
