// Package coordinator consumes evidence-arrival events, keeps the per-run
// evidence log and counters, and hands each relationship to reconciliation
// once every provider the manifest lists for it has reported.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	jobstatus "github.com/yungbote/codegraph-triangulation/internal/domain/jobs"
	tri "github.com/yungbote/codegraph-triangulation/internal/domain/triangulation"
	"github.com/yungbote/codegraph-triangulation/internal/observability"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/services"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/eventbus"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/manifest"
)

// ErrRunAborted is returned for events of a run whose manifest could not be
// loaded. The run has been marked aborted.
var ErrRunAborted = errors.New("run aborted")

const ConsumerGroup = "coordinator"

type RelationshipState string

const (
	StateCollecting  RelationshipState = "COLLECTING"
	StateReconciling RelationshipState = "RECONCILING"
	StateDone        RelationshipState = "DONE"
)

type Deps struct {
	Log       *logger.Logger
	Runs      repos.RunRepo
	Evidence  repos.EvidenceRepo
	Validated repos.ValidatedRepo
	JobRuns   repos.JobRunRepo
	Manifests manifest.Store
	Counters  CounterStore
	Jobs      services.JobService
	Bus       eventbus.Bus
}

type Coordinator struct {
	log       *logger.Logger
	runs      repos.RunRepo
	evidence  repos.EvidenceRepo
	validated repos.ValidatedRepo
	jobRuns   repos.JobRunRepo
	manifests manifest.Store
	counters  CounterStore
	jobs      services.JobService
	bus       eventbus.Bus

	mu     sync.RWMutex
	loaded map[string]*manifest.Manifest
}

func New(deps Deps) *Coordinator {
	return &Coordinator{
		log:       deps.Log.With("component", "ValidationCoordinator"),
		runs:      deps.Runs,
		evidence:  deps.Evidence,
		validated: deps.Validated,
		jobRuns:   deps.JobRuns,
		manifests: deps.Manifests,
		counters:  deps.Counters,
		jobs:      deps.Jobs,
		bus:       deps.Bus,
		loaded:    map[string]*manifest.Manifest{},
	}
}

// LoadRun returns the run's manifest, loading it once. A missing manifest
// aborts the run.
func (c *Coordinator) LoadRun(ctx context.Context, runID string) (*manifest.Manifest, error) {
	c.mu.RLock()
	m, ok := c.loaded[runID]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}

	m, err := c.manifests.Load(ctx, runID)
	if errors.Is(err, manifest.ErrManifestNotFound) {
		c.abort(ctx, runID, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrRunAborted, runID, err)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.loaded[runID] = m
	c.mu.Unlock()
	c.log.Info("manifest loaded", "run_id", runID, "relationships", len(m.RelationshipEvidenceMap), "jobs", len(m.JobGraph.All()))
	return m, nil
}

func (c *Coordinator) abort(ctx context.Context, runID string, cause error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		c.log.Error("cannot abort run with malformed id", "run_id", runID, "error", cause)
		return
	}
	ok, err := c.runs.Transition(dbctx.Context{Ctx: ctx}, id,
		[]string{tri.RunStatusPlanning, tri.RunStatusAnalyzing, tri.RunStatusTimedOut},
		tri.RunStatusAborted,
		map[string]interface{}{"error": cause.Error()},
	)
	if err != nil {
		c.log.Error("mark run aborted failed", "run_id", runID, "error", err)
		return
	}
	if ok {
		c.log.Error("run aborted", "run_id", runID, "error", cause)
	}
}

// Forget drops the cached manifest for a finished run.
func (c *Coordinator) Forget(runID string) {
	c.mu.Lock()
	delete(c.loaded, runID)
	c.mu.Unlock()
}

// HandleEvent records every finding of ev and enqueues reconciliation for
// relationships that reached their expected provider count. It is safe to
// call again with the same event.
func (c *Coordinator) HandleEvent(ctx context.Context, ev evidence.Event) (err error) {
	ctx, span := observability.StartSpan(ctx, "coordinator.handle_event",
		attribute.String("run_id", ev.RunID),
		attribute.String("job_id", ev.JobID),
		attribute.Int("findings", len(ev.Findings)),
	)
	defer func() { observability.EndSpan(span, err) }()

	runID, err := uuid.Parse(ev.RunID)
	if err != nil {
		return eventbus.Permanent(fmt.Errorf("event run id %q: %w", ev.RunID, err))
	}
	run, err := c.runs.GetByID(dbctx.Context{Ctx: ctx}, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return eventbus.Permanent(fmt.Errorf("unknown run %s", ev.RunID))
	}
	if run.Status == tri.RunStatusReconciled || run.Status == tri.RunStatusAborted {
		c.log.Debug("event for finished run ignored", "run_id", ev.RunID, "job_id", ev.JobID, "status", run.Status)
		return nil
	}

	m, err := c.LoadRun(ctx, ev.RunID)
	if err != nil {
		return err
	}

	log := c.log.With("run_id", ev.RunID, "job_id", ev.JobID)
	rows := make([]*types.RelationshipEvidence, 0, len(ev.Findings))
	counted := make([]string, 0, len(ev.Findings))
	for _, f := range ev.Findings {
		if !m.Has(f.RelationshipHash) {
			log.Warn("finding for unmanifested relationship skipped", "relationship_hash", f.RelationshipHash)
			continue
		}
		expected := m.IsExpectedProvider(f.RelationshipHash, ev.JobID)
		if !expected {
			log.Warn("finding from unlisted provider kept for audit only", "relationship_hash", f.RelationshipHash)
		}
		row := &types.RelationshipEvidence{
			RunID:             runID,
			RelationshipHash:  f.RelationshipHash,
			JobID:             ev.JobID,
			SourceWorker:      string(ev.SourceWorker),
			FoundRelationship: f.FoundRelationship,
			InitialScore:      f.InitialScore,
			ProposedType:      f.ProposedType,
			Degraded:          f.Degraded,
			Counted:           expected,
		}
		if len(f.RawModelOutput) > 0 {
			row.RawModelOutput = datatypes.JSON(f.RawModelOutput)
		}
		rows = append(rows, row)
		if expected {
			counted = append(counted, f.RelationshipHash)
		}
	}

	// Evidence must be durable before any counter moves.
	if _, err := c.evidence.Append(dbctx.Context{Ctx: ctx}, rows); err != nil {
		return fmt.Errorf("append evidence: %w", err)
	}

	var ready []string
	for _, hash := range counted {
		count, err := c.counters.Record(ctx, ev.RunID, hash, ev.JobID)
		if err != nil {
			return fmt.Errorf("record provider: %w", err)
		}
		want := int64(m.ExpectedCount(hash))
		switch {
		case count == want:
			ready = append(ready, hash)
		case count > want:
			log.Warn("provider count exceeds manifest", "relationship_hash", hash, "count", count, "expected", want)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	n, err := c.enqueueReconcile(ctx, runID, ready, false)
	if err != nil {
		return err
	}
	log.Debug("relationships ready for reconciliation", "ready", len(ready), "enqueued", n)
	return nil
}

func (c *Coordinator) enqueueReconcile(ctx context.Context, runID uuid.UUID, hashes []string, partial bool) (int64, error) {
	specs := make([]services.JobSpec, 0, len(hashes))
	for _, hash := range hashes {
		key := evidence.ReconcileJobKey(hash)
		if partial {
			key = evidence.PartialReconcileJobKey(hash)
		}
		specs = append(specs, services.JobSpec{
			RunID:   runID,
			JobType: evidence.JobTypeReconcile,
			JobKey:  key,
			Scope:   hash,
			Payload: evidence.ReconcilePayload{
				RunID:            runID.String(),
				RelationshipHash: hash,
				Partial:          partial,
			},
		})
	}
	n, err := c.jobs.Enqueue(dbctx.Context{Ctx: ctx}, specs)
	if err != nil {
		return 0, fmt.Errorf("enqueue reconciliation: %w", err)
	}
	return n, nil
}

// ForceReconcile enqueues partial reconciliation for every relationship that
// has some but not all of its evidence. It returns how many jobs were new.
func (c *Coordinator) ForceReconcile(ctx context.Context, runID string) (int64, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}
	m, err := c.LoadRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	var partial []string
	for _, hash := range m.Hashes() {
		count, err := c.counters.Count(ctx, runID, hash)
		if err != nil {
			return 0, fmt.Errorf("read counter: %w", err)
		}
		if count > 0 && count < int64(m.ExpectedCount(hash)) {
			partial = append(partial, hash)
		}
	}
	if len(partial) == 0 {
		return 0, nil
	}
	n, err := c.enqueueReconcile(ctx, id, partial, true)
	if err != nil {
		return 0, err
	}
	c.log.Warn("forced partial reconciliation", "run_id", runID, "relationships", len(partial), "enqueued", n)
	return n, nil
}

// State reports where one relationship is in its lifecycle. A relationship
// with only a partial verdict is still collecting once that verdict lands.
func (c *Coordinator) State(ctx context.Context, runID, hash string) (RelationshipState, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return "", fmt.Errorf("run id: %w", err)
	}
	dbc := dbctx.Context{Ctx: ctx}
	if c.validated != nil {
		row, err := c.validated.Get(dbc, id, hash)
		if err != nil {
			return "", err
		}
		if row != nil && !row.Partial {
			return StateDone, nil
		}
	}
	if c.jobRuns != nil {
		job, err := c.jobRuns.GetByKey(dbc, id, evidence.ReconcileJobKey(hash))
		if err != nil {
			return "", err
		}
		if job != nil {
			if job.Status == jobstatus.StatusSucceeded {
				return StateDone, nil
			}
			return StateReconciling, nil
		}
		forced, err := c.jobRuns.GetByKey(dbc, id, evidence.PartialReconcileJobKey(hash))
		if err != nil {
			return "", err
		}
		if forced != nil && forced.Status != jobstatus.StatusSucceeded {
			return StateReconciling, nil
		}
	}
	return StateCollecting, nil
}

// Listen consumes the evidence stream until ctx is done.
func (c *Coordinator) Listen(ctx context.Context, consumer string) error {
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	c.log.Info("coordinator listening", "group", ConsumerGroup, "consumer", consumer)
	return c.bus.Subscribe(ctx, ConsumerGroup, consumer, func(ctx context.Context, ev evidence.Event) error {
		start := time.Now()
		err := c.HandleEvent(ctx, ev)
		if errors.Is(err, ErrRunAborted) {
			c.log.Error("event acked for aborted run", "run_id", ev.RunID, "job_id", ev.JobID, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		c.log.Debug("event handled", "run_id", ev.RunID, "job_id", ev.JobID, "findings", len(ev.Findings), "took", time.Since(start))
		return nil
	})
}
