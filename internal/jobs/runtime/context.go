package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	jobstatus "github.com/yungbote/codegraph-triangulation/internal/domain/jobs"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/services"
)

// ErrQuarantine marks a failure that must not be retried. Wrap it with %w; the
// job moves straight to the dead-letter state.
var ErrQuarantine = errors.New("job quarantined")

/*
Context is the execution handle for a single claimed job.
Handlers never write job_run directly; they report through Succeed and
friends, or simply return an error and let Execute decide between retry and
quarantine.
*/
type Context struct {
	Ctx    context.Context
	DB     *gorm.DB
	Job    *types.JobRun
	Repo   repos.JobRunRepo
	Notify services.JobNotifier
}

func NewContext(ctx context.Context, db *gorm.DB, job *types.JobRun, repo repos.JobRunRepo, notify services.JobNotifier) *Context {
	return &Context{Ctx: ctx, DB: db, Job: job, Repo: repo, Notify: notify}
}

// Decode unmarshals the job payload into v.
func (c *Context) Decode(v any) error {
	if c.Job == nil || len(c.Job.Payload) == 0 {
		return fmt.Errorf("job has no payload")
	}
	if err := json.Unmarshal(c.Job.Payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func (c *Context) ctx() context.Context {
	if c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}

func (c *Context) persisted() bool {
	return c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil
}

// Progress records a non-terminal stage and refreshes the heartbeat.
func (c *Context) Progress(stage string) {
	now := time.Now()
	if c.persisted() {
		_, _ = c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.ctx()}, c.Job.ID, []string{jobstatus.StatusQuarantined}, map[string]interface{}{
			"stage":        stage,
			"heartbeat_at": now,
		})
	}
	if c.Job != nil {
		c.Job.Stage = stage
		c.Job.HeartbeatAt = &now
	}
}

// Succeed marks the job terminally succeeded and stores result as JSON.
func (c *Context) Succeed(finalStage string, result any) {
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}
	if c.persisted() {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: context.WithoutCancel(c.ctx())}, c.Job.ID, []string{jobstatus.StatusQuarantined}, map[string]interface{}{
			"status":       jobstatus.StatusSucceeded,
			"stage":        finalStage,
			"error":        "",
			"result":       res,
			"locked_at":    nil,
			"heartbeat_at": now,
		})
		if !ok {
			return
		}
	}
	if c.Job != nil {
		c.Job.Status = jobstatus.StatusSucceeded
		c.Job.Stage = finalStage
		c.Job.Error = ""
		c.Job.Result = res
		c.Job.LockedAt = nil
		c.Job.HeartbeatAt = &now
	}
	if c.Notify != nil && c.Job != nil {
		c.Notify.JobDone(c.Job)
	}
}

// Fail marks the job failed; the queue retries it after the retry delay.
func (c *Context) Fail(stage string, err error) {
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if c.persisted() {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: context.WithoutCancel(c.ctx())}, c.Job.ID, []string{jobstatus.StatusSucceeded, jobstatus.StatusQuarantined}, map[string]interface{}{
			"status":        jobstatus.StatusFailed,
			"stage":         stage,
			"error":         msg,
			"last_error_at": now,
			"locked_at":     nil,
		})
		if !ok {
			return
		}
	}
	if c.Job != nil {
		c.Job.Status = jobstatus.StatusFailed
		c.Job.Stage = stage
		c.Job.Error = msg
		c.Job.LastErrorAt = &now
		c.Job.LockedAt = nil
	}
	if c.Notify != nil && c.Job != nil {
		c.Notify.JobFailed(c.Job, stage, msg)
	}
}

// Quarantine moves the job to the dead-letter state.
func (c *Context) Quarantine(stage string, reason string) {
	now := time.Now()
	if c.persisted() {
		if err := c.Repo.Quarantine(dbctx.Context{Ctx: context.WithoutCancel(c.ctx())}, c.Job.ID, stage, reason); err != nil {
			return
		}
	}
	if c.Job != nil {
		c.Job.Status = jobstatus.StatusQuarantined
		c.Job.Stage = stage
		c.Job.Error = reason
		c.Job.LastErrorAt = &now
		c.Job.LockedAt = nil
	}
	if c.Notify != nil && c.Job != nil {
		c.Notify.JobQuarantined(c.Job, reason)
	}
}
