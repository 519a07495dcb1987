package jobrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"gorm.io/gorm"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	jobrt "github.com/yungbote/codegraph-triangulation/internal/jobs/runtime"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/services"
)

type Activities struct {
	Log          *logger.Logger
	DB           *gorm.DB
	Jobs         repos.JobRunRepo
	Registry     *jobrt.Registry
	Notify       services.JobNotifier
	MaxAttempts  int
	StaleRunning time.Duration
}

// Tick claims the job when it is runnable, executes it once and reports the
// resulting status. An unclaimable job is reported as-is.
func (a *Activities) Tick(ctx context.Context, jobID string) (TickResult, error) {
	res := TickResult{JobID: strings.TrimSpace(jobID)}
	if a == nil || a.DB == nil || a.Jobs == nil || a.Registry == nil {
		return res, fmt.Errorf("jobrun: activity not configured")
	}
	id, err := uuid.Parse(res.JobID)
	if err != nil || id == uuid.Nil {
		return res, fmt.Errorf("jobrun: invalid job_id %q", jobID)
	}
	stale := a.StaleRunning
	if stale <= 0 {
		stale = 10 * time.Minute
	}

	job, err := a.Jobs.ClaimByID(dbctx.Context{Ctx: ctx}, id, stale)
	if err != nil {
		return res, fmt.Errorf("jobrun: claim: %w", err)
	}
	if job == nil {
		rows, err := a.Jobs.GetByIDs(dbctx.Context{Ctx: ctx}, []uuid.UUID{id})
		if err != nil {
			return res, err
		}
		if len(rows) == 0 {
			return res, fmt.Errorf("jobrun: job %s not found", id)
		}
		res.Status, res.Stage, res.Attempts = rows[0].Status, rows[0].Stage, rows[0].Attempts
		return res, nil
	}

	stopHB := a.startHeartbeat(ctx, id)
	defer stopHB()

	notify := a.Notify
	if notify == nil {
		notify = services.NewLogJobNotifier(a.Log)
	}
	jc := jobrt.NewContext(ctx, a.DB, job, a.Jobs, notify)
	res.Status = jobrt.Execute(a.Log, a.Registry, jc, a.MaxAttempts)
	res.Stage = job.Stage
	res.Attempts = job.Attempts
	res.Claimed = true
	return res, nil
}

func (a *Activities) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		temporalHB := time.NewTicker(10 * time.Second)
		defer temporalHB.Stop()
		dbHB := time.NewTicker(30 * time.Second)
		defer dbHB.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-temporalHB.C:
				activity.RecordHeartbeat(ctx)
			case <-dbHB.C:
				_ = a.Jobs.Heartbeat(dbctx.Context{Ctx: ctx}, jobID)
			}
		}
	}()
	return func() { close(done) }
}
