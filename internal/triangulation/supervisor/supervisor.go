// Package supervisor drives runs to a terminal state: it closes runs whose
// relationships are all validated, forces partial reconciliation for runs past
// their deadline, and reports run summaries.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	jobstatus "github.com/yungbote/codegraph-triangulation/internal/domain/jobs"
	tri "github.com/yungbote/codegraph-triangulation/internal/domain/triangulation"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/envutil"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/coordinator"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/manifest"
)

const (
	ClassFullyValidated      = "fully_validated"
	ClassPartialWithConflict = "partially_validated_with_conflicts"
	ClassIncomplete          = "incomplete"
)

// Forcer is the part of the coordinator the supervisor drives.
type Forcer interface {
	ForceReconcile(ctx context.Context, runID string) (int64, error)
	Forget(runID string)
}

type Config struct {
	Schedule    string
	Concurrency int
}

func ConfigFromEnv() Config {
	return Config{
		Schedule:    envutil.String("SUPERVISOR_CRON", "@every 15s"),
		Concurrency: envutil.Int("SUPERVISOR_CONCURRENCY", 4),
	}
}

type Deps struct {
	Log        *logger.Logger
	Runs       repos.RunRepo
	Candidates repos.CandidateRepo
	Validated  repos.ValidatedRepo
	Evidence   repos.EvidenceRepo
	JobRuns    repos.JobRunRepo
	Manifests  manifest.Store
	Counters   coordinator.CounterStore
	Forcer     Forcer
}

type Supervisor struct {
	log        *logger.Logger
	runs       repos.RunRepo
	candidates repos.CandidateRepo
	validated  repos.ValidatedRepo
	evidence   repos.EvidenceRepo
	jobRuns    repos.JobRunRepo
	manifests  manifest.Store
	counters   coordinator.CounterStore
	forcer     Forcer
	cfg        Config

	now   func() time.Time
	sweep sync.Mutex
}

func New(deps Deps, cfg Config) *Supervisor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 15s"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Supervisor{
		log:        deps.Log.With("component", "RunSupervisor"),
		runs:       deps.Runs,
		candidates: deps.Candidates,
		validated:  deps.Validated,
		evidence:   deps.Evidence,
		jobRuns:    deps.JobRuns,
		manifests:  deps.Manifests,
		counters:   deps.Counters,
		forcer:     deps.Forcer,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Start schedules Sweep on the configured cron spec and stops when ctx is
// done.
func (s *Supervisor) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("supervisor sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.log.Info("supervisor started", "schedule", s.cfg.Schedule)
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		s.log.Info("supervisor stopped")
	}()
	return nil
}

// Sweep checks every open run once. Overlapping calls are skipped.
func (s *Supervisor) Sweep(ctx context.Context) error {
	if !s.sweep.TryLock() {
		return nil
	}
	defer s.sweep.Unlock()

	runs, err := s.runs.ListByStatus(dbctx.Context{Ctx: ctx}, []string{tri.RunStatusAnalyzing, tri.RunStatusTimedOut}, 0)
	if err != nil {
		return fmt.Errorf("list open runs: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, run := range runs {
		g.Go(func() error {
			if err := s.sweepRun(gctx, run); err != nil {
				s.log.Warn("sweep run failed", "run_id", run.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) sweepRun(ctx context.Context, run *types.Run) error {
	m, err := s.manifests.Load(ctx, run.ID.String())
	if errors.Is(err, manifest.ErrManifestNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	done, err := s.allValidated(ctx, run.ID, m)
	if err != nil {
		return err
	}
	if done {
		ok, err := s.runs.Transition(dbctx.Context{Ctx: ctx}, run.ID,
			[]string{tri.RunStatusAnalyzing, tri.RunStatusTimedOut}, tri.RunStatusReconciled, nil)
		if err != nil {
			return fmt.Errorf("mark run reconciled: %w", err)
		}
		if ok {
			s.log.Info("run reconciled", "run_id", run.ID, "relationships", len(m.RelationshipEvidenceMap))
			return s.Teardown(ctx, run.ID)
		}
		return nil
	}

	if run.Status != tri.RunStatusAnalyzing || run.Deadline == nil || s.now().Before(*run.Deadline) {
		return nil
	}
	n, err := s.forcer.ForceReconcile(ctx, run.ID.String())
	if err != nil {
		return fmt.Errorf("force reconcile: %w", err)
	}
	now := s.now()
	if _, err := s.runs.Transition(dbctx.Context{Ctx: ctx}, run.ID,
		[]string{tri.RunStatusAnalyzing}, tri.RunStatusTimedOut,
		map[string]interface{}{"forced_at": now}); err != nil {
		return fmt.Errorf("mark run timed out: %w", err)
	}
	s.log.Warn("run timed out", "run_id", run.ID, "deadline", run.Deadline, "forced", n)
	return nil
}

func (s *Supervisor) allValidated(ctx context.Context, runID uuid.UUID, m *manifest.Manifest) (bool, error) {
	hashes, err := s.validated.ListHashesByRun(dbctx.Context{Ctx: ctx}, runID)
	if err != nil {
		return false, fmt.Errorf("list validated: %w", err)
	}
	have := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		have[h] = struct{}{}
	}
	for h := range m.RelationshipEvidenceMap {
		if _, ok := have[h]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// Teardown purges the working evidence log and counters of a reconciled run.
// Validated records and their audit trail are kept.
func (s *Supervisor) Teardown(ctx context.Context, runID uuid.UUID) error {
	if err := s.evidence.DeleteByRun(dbctx.Context{Ctx: ctx}, runID); err != nil {
		return fmt.Errorf("purge evidence: %w", err)
	}
	if err := s.counters.Purge(ctx, runID.String()); err != nil {
		return fmt.Errorf("purge counters: %w", err)
	}
	if s.forcer != nil {
		s.forcer.Forget(runID.String())
	}
	return s.runs.UpdateFields(dbctx.Context{Ctx: ctx}, runID, map[string]interface{}{"torn_down_at": s.now()})
}

type Summary struct {
	RunID             string     `json:"runId"`
	Status            string     `json:"status"`
	Expected          int64      `json:"expectedRelationships"`
	Validated         int64      `json:"validated"`
	Conflicts         int64      `json:"conflicts"`
	Partial           int64      `json:"partial"`
	QuarantinedJobs   int        `json:"quarantinedJobs"`
	Classification    string     `json:"classification"`
	ForcedReconcileAt *time.Time `json:"forcedReconcileAt,omitempty"`
}

// RunSummary reports progress and the outcome class for a run. It returns
// nil when the run does not exist.
func (s *Supervisor) RunSummary(ctx context.Context, runID uuid.UUID) (*Summary, error) {
	dbc := dbctx.Context{Ctx: ctx}
	run, err := s.runs.GetByID(dbc, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}
	expected, err := s.candidates.CountByRun(dbc, runID)
	if err != nil {
		return nil, fmt.Errorf("count candidates: %w", err)
	}
	counts, err := s.validated.CountByRun(dbc, runID)
	if err != nil {
		return nil, fmt.Errorf("count validated: %w", err)
	}
	quarantined, err := s.jobRuns.ListByRun(dbc, runID, []string{jobstatus.StatusQuarantined})
	if err != nil {
		return nil, fmt.Errorf("list quarantined: %w", err)
	}
	out := &Summary{
		RunID:             runID.String(),
		Status:            run.Status,
		Expected:          expected,
		Validated:         counts.Validated,
		Conflicts:         counts.Conflicts,
		Partial:           counts.Partial,
		QuarantinedJobs:   len(quarantined),
		ForcedReconcileAt: run.ForcedAt,
	}
	out.Classification = Classify(out)
	return out, nil
}

func Classify(s *Summary) string {
	switch {
	case s.QuarantinedJobs > 0 || s.Validated < s.Expected:
		return ClassIncomplete
	case s.Conflicts > 0 || s.Partial > 0:
		return ClassPartialWithConflict
	default:
		return ClassFullyValidated
	}
}
