package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	jobstatus "github.com/yungbote/codegraph-triangulation/internal/domain/jobs"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

// JobSpec describes one unit of work. JobKey must be a deterministic function
// of (JobType, Scope) so that enqueuing twice is a no-op.
type JobSpec struct {
	RunID   uuid.UUID
	JobType string
	JobKey  string
	Scope   string
	Payload any
}

type JobService interface {
	// Enqueue stores jobs, skipping keys already present for the run, and
	// returns how many were new. Inside a transaction, dispatch is deferred to
	// DispatchRun after commit.
	Enqueue(dbc dbctx.Context, specs []JobSpec) (int64, error)
	DispatchRun(dbc dbctx.Context, runID uuid.UUID) error
	ListDeadLetters(dbc dbctx.Context, runID uuid.UUID) ([]*types.JobRun, error)
}

type jobService struct {
	db     *gorm.DB
	log    *logger.Logger
	repo   repos.JobRunRepo
	notify JobNotifier

	temporal          temporalsdkclient.Client
	temporalTaskQueue string
}

func NewJobService(
	db *gorm.DB,
	baseLog *logger.Logger,
	repo repos.JobRunRepo,
	notify JobNotifier,
	tc temporalsdkclient.Client,
	taskQueue string,
) JobService {
	if notify == nil {
		notify = NewLogJobNotifier(baseLog)
	}
	return &jobService{
		db:                db,
		log:               baseLog.With("service", "JobService"),
		repo:              repo,
		notify:            notify,
		temporal:          tc,
		temporalTaskQueue: strings.TrimSpace(taskQueue),
	}
}

func (s *jobService) Enqueue(dbc dbctx.Context, specs []JobSpec) (int64, error) {
	if len(specs) == 0 {
		return 0, nil
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}
	now := time.Now()
	rows := make([]*types.JobRun, 0, len(specs))
	for _, spec := range specs {
		if spec.RunID == uuid.Nil {
			return 0, fmt.Errorf("missing run_id")
		}
		if spec.JobType == "" || spec.JobKey == "" {
			return 0, fmt.Errorf("missing job_type or job_key")
		}
		payload := datatypes.JSON([]byte(`{}`))
		if spec.Payload != nil {
			b, err := json.Marshal(spec.Payload)
			if err != nil {
				return 0, fmt.Errorf("encode payload for %s: %w", spec.JobKey, err)
			}
			payload = datatypes.JSON(b)
		}
		rows = append(rows, &types.JobRun{
			ID:        uuid.New(),
			RunID:     spec.RunID,
			JobKey:    spec.JobKey,
			JobType:   spec.JobType,
			Scope:     spec.Scope,
			Status:    jobstatus.StatusQueued,
			Stage:     jobstatus.StatusQueued,
			Payload:   payload,
			Result:    datatypes.JSON([]byte(`{}`)),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	n, err := s.repo.Enqueue(dbctx.Context{Ctx: dbc.Ctx, Tx: transaction}, rows)
	if err != nil {
		return 0, fmt.Errorf("enqueue jobs: %w", err)
	}
	if n > 0 {
		s.notify.JobsQueued(specs[0].RunID, specs[0].JobType, int(n))
	}

	// Inside a real transaction the rows are not visible yet; callers dispatch
	// after commit.
	if isDBTransaction(dbc.Tx) || s.temporal == nil || n == 0 {
		return n, nil
	}
	inserted := rows
	if int(n) < len(rows) {
		// Skipped keys kept their existing rows; only fresh IDs were written.
		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		inserted, err = s.repo.GetByIDs(dbctx.Context{Ctx: dbc.Ctx, Tx: transaction}, ids)
		if err != nil {
			return n, fmt.Errorf("load inserted jobs: %w", err)
		}
	}
	for _, row := range inserted {
		if err := s.dispatch(dbc.Ctx, row); err != nil {
			return n, err
		}
	}
	return n, nil
}

type txCommitter interface {
	Commit() error
	Rollback() error
}

func isDBTransaction(db *gorm.DB) bool {
	if db == nil || db.Statement == nil || db.Statement.ConnPool == nil {
		return false
	}
	_, ok := db.Statement.ConnPool.(txCommitter)
	return ok
}

// DispatchRun starts a workflow for every queued job of the run. Without
// Temporal the pull-based worker picks them up and this is a no-op.
func (s *jobService) DispatchRun(dbc dbctx.Context, runID uuid.UUID) error {
	if s.temporal == nil {
		return nil
	}
	ctx := dbc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.repo.ListByRun(dbctx.Context{Ctx: ctx}, runID, []string{jobstatus.StatusQueued})
	if err != nil {
		return fmt.Errorf("list queued jobs: %w", err)
	}
	for _, row := range rows {
		if err := s.dispatch(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (s *jobService) dispatch(ctx context.Context, job *types.JobRun) error {
	err := s.startTemporalJobWorkflow(ctx, job.ID, enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE)
	if err == nil {
		return nil
	}
	if _, ok := err.(*serviceerror.WorkflowExecutionAlreadyStarted); ok {
		return nil
	}
	now := time.Now().UTC()
	_ = s.repo.UpdateFields(dbctx.Context{Ctx: ctx, Tx: s.db}, job.ID, map[string]interface{}{
		"status":        jobstatus.StatusFailed,
		"stage":         "dispatch",
		"error":         err.Error(),
		"last_error_at": now,
		"locked_at":     nil,
		"updated_at":    now,
	})
	s.notify.JobFailed(job, "dispatch", err.Error())
	return fmt.Errorf("start temporal workflow: %w", err)
}

func (s *jobService) startTemporalJobWorkflow(ctx context.Context, jobID uuid.UUID, reusePolicy enums.WorkflowIdReusePolicy) error {
	tq := s.temporalTaskQueue
	if tq == "" {
		tq = "codegraph"
	}
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    jobID.String(),
		TaskQueue:             tq,
		WorkflowIDReusePolicy: reusePolicy,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    30 * time.Second,
			BackoffCoefficient: 1.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
	_, err := s.temporal.ExecuteWorkflow(ctx, opts, "job_run")
	return err
}

func (s *jobService) ListDeadLetters(dbc dbctx.Context, runID uuid.UUID) ([]*types.JobRun, error) {
	return s.repo.ListByRun(dbc, runID, []string{jobstatus.StatusQuarantined})
}
