package runtime

import (
	"errors"
	"fmt"

	jobstatus "github.com/yungbote/codegraph-triangulation/internal/domain/jobs"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

// Execute runs the registered handler for jc.Job and records the outcome.
// Both the polling worker and the Temporal activity go through here so the
// retry and quarantine rules live in one place:
//   - nil error: succeeded, unless the handler already finished the job
//   - ErrQuarantine, a missing handler, or attempts >= maxAttempts: quarantined
//   - any other error or a panic: failed, retried later by the queue
func Execute(log *logger.Logger, reg *Registry, jc *Context, maxAttempts int) string {
	job := jc.Job
	h, ok := reg.Get(job.JobType)
	if !ok {
		jc.Quarantine("dispatch", fmt.Sprintf("no handler registered for job_type=%s", job.JobType))
		return job.Status
	}

	err := runGuarded(log, h, jc)
	switch {
	case err == nil:
		if job.Status == jobstatus.StatusRunning || job.Status == "" {
			jc.Succeed("done", nil)
		}
	case errors.Is(err, ErrQuarantine):
		jc.Quarantine("run", err.Error())
	case maxAttempts > 0 && job.Attempts >= maxAttempts:
		jc.Quarantine("run", fmt.Sprintf("attempts exhausted (%d): %v", job.Attempts, err))
	default:
		jc.Fail("run", err)
	}
	return job.Status
}

func runGuarded(log *logger.Logger, h Handler, jc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job handler panic",
				"job_id", jc.Job.ID,
				"job_type", jc.Job.JobType,
				"job_key", jc.Job.JobKey,
				"panic", r,
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Run(jc)
}
