package temporalworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"gorm.io/gorm"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	jobrt "github.com/yungbote/codegraph-triangulation/internal/jobs/runtime"
	jobworker "github.com/yungbote/codegraph-triangulation/internal/jobs/worker"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/services"
	"github.com/yungbote/codegraph-triangulation/internal/temporalx"
	"github.com/yungbote/codegraph-triangulation/internal/temporalx/jobrun"
)

// Runner hosts the job_run workflow and its activity. It replaces the polling
// worker when Temporal is configured and shares its config.
type Runner struct {
	log      *logger.Logger
	tc       temporalsdkclient.Client
	db       *gorm.DB
	jobRepo  repos.JobRunRepo
	registry *jobrt.Registry
	notify   services.JobNotifier
	cfg      temporalx.Config
	jobs     jobworker.Config
}

func NewRunner(
	log *logger.Logger,
	tc temporalsdkclient.Client,
	db *gorm.DB,
	jobRepo repos.JobRunRepo,
	registry *jobrt.Registry,
	notify services.JobNotifier,
	cfg temporalx.Config,
	jobs jobworker.Config,
) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if db == nil || jobRepo == nil || registry == nil {
		return nil, fmt.Errorf("temporal worker missing deps")
	}
	if jobs.Concurrency < 1 {
		jobs.Concurrency = 1
	}
	return &Runner{
		log:      log.With("component", "TemporalWorker"),
		tc:       tc,
		db:       db,
		jobRepo:  jobRepo,
		registry: registry,
		notify:   notify,
		cfg:      cfg,
		jobs:     jobs,
	}, nil
}

// Start registers the workflow and starts polling. A missing namespace is
// created first when auto-registration is on. The worker stops when ctx is
// done.
func (r *Runner) Start(ctx context.Context) error {
	r.log.Info("Starting Temporal worker", "address", r.cfg.Address, "namespace", r.cfg.Namespace, "task_queue", r.cfg.TaskQueue)

	w, err := backoff.Retry(ctx, func() (worker.Worker, error) {
		w := r.newWorker()
		startErr := w.Start()
		if startErr == nil {
			return w, nil
		}
		w.Stop()
		var nfe *serviceerror.NamespaceNotFound
		if errors.As(startErr, &nfe) {
			if !r.cfg.AutoRegisterNamespace {
				return nil, backoff.Permanent(fmt.Errorf("temporal namespace not found (namespace=%s): %w", r.cfg.Namespace, startErr))
			}
			if err := temporalx.EnsureNamespace(ctx, r.log, r.cfg); err != nil {
				r.log.Warn("Temporal namespace ensure failed", "namespace", r.cfg.Namespace, "error", err)
			}
		}
		return nil, startErr
	},
		backoff.WithMaxElapsedTime(r.cfg.DialMaxWait),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Warn("Temporal worker failed to start; retrying", "task_queue", r.cfg.TaskQueue, "next", next, "error", err)
		}),
	)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		w.Stop()
		r.log.Info("Temporal worker stopped")
	}()
	r.log.Info("Temporal worker started", "namespace", r.cfg.Namespace, "task_queue", r.cfg.TaskQueue)
	return nil
}

func (r *Runner) newWorker() worker.Worker {
	w := worker.New(r.tc, r.cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     r.jobs.Concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: r.jobs.Concurrency,
	})
	acts := &jobrun.Activities{
		Log:          r.log,
		DB:           r.db,
		Jobs:         r.jobRepo,
		Registry:     r.registry,
		Notify:       r.notify,
		MaxAttempts:  r.jobs.MaxAttempts,
		StaleRunning: r.jobs.StaleRunning,
	}
	wf := jobrun.NewWorkflow(jobrun.Options{
		RetryDelay:   r.jobs.RetryDelay,
		PollInterval: r.jobs.PollInterval,
	})
	w.RegisterWorkflowWithOptions(wf, workflow.RegisterOptions{Name: jobrun.WorkflowName})
	w.RegisterActivityWithOptions(acts.Tick, activity.RegisterOptions{Name: jobrun.ActivityTick})
	return w
}
