package jobrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"

	jobstatus "github.com/yungbote/codegraph-triangulation/internal/domain/jobs"
)

const continueHistoryLimit = 15000

// NewWorkflow returns the job_run workflow. It drives one job_run row to a
// terminal state; the workflow ID is the job ID. Retry and quarantine
// decisions stay in the activity so the polling worker and Temporal agree on
// them.
func NewWorkflow(opts Options) func(workflow.Context) error {
	opts = opts.withDefaults()
	return func(ctx workflow.Context) error { return run(ctx, opts) }
}

func run(ctx workflow.Context, opts Options) error {
	jobID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if jobID == "" {
		return fmt.Errorf("jobrun: missing job_id")
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Hour,
		HeartbeatTimeout:    30 * time.Second,
		// Job attempts are counted on the row, not by Temporal.
		RetryPolicy: nil,
	})

	for tick := 1; ; tick++ {
		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, jobID).Get(ctx, &out); err != nil {
			return err
		}
		switch out.Status {
		case jobstatus.StatusSucceeded, jobstatus.StatusQuarantined:
			return nil
		case jobstatus.StatusFailed:
			if err := workflow.Sleep(ctx, opts.RetryDelay); err != nil {
				return err
			}
		default:
			if err := workflow.Sleep(ctx, opts.PollInterval); err != nil {
				return err
			}
		}
		if shouldContinueAsNew(ctx, tick, opts.MaxTicks) {
			return workflow.NewContinueAsNewError(ctx, WorkflowName)
		}
	}
}

func shouldContinueAsNew(ctx workflow.Context, ticks, maxTicks int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	return info != nil && info.GetCurrentHistoryLength() >= continueHistoryLimit
}
