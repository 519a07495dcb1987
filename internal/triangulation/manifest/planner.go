package manifest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	tri "github.com/yungbote/codegraph-triangulation/internal/domain/triangulation"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/services"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
)

// Planner creates a run: it persists the manifest and the candidates, then
// enqueues every producer job.
type Planner struct {
	db         *gorm.DB
	log        *logger.Logger
	runs       repos.RunRepo
	candidates repos.CandidateRepo
	store      Store
	jobs       services.JobService
	generator  *Generator
	walker     *Walker
	runTimeout time.Duration
}

func NewPlanner(
	db *gorm.DB,
	baseLog *logger.Logger,
	runs repos.RunRepo,
	candidates repos.CandidateRepo,
	store Store,
	jobs services.JobService,
	generator *Generator,
	walker *Walker,
	runTimeout time.Duration,
) *Planner {
	return &Planner{
		db:         db,
		log:        baseLog.With("component", "Planner"),
		runs:       runs,
		candidates: candidates,
		store:      store,
		jobs:       jobs,
		generator:  generator,
		walker:     walker,
		runTimeout: runTimeout,
	}
}

// PlanRoot walks root and plans a run over what it finds.
func (p *Planner) PlanRoot(ctx context.Context, root string) (*types.Run, *Plan, error) {
	files, err := p.walker.Walk(ctx, root)
	if err != nil {
		return nil, nil, err
	}
	return p.PlanFiles(ctx, root, files)
}

func (p *Planner) PlanFiles(ctx context.Context, root string, files []SourceFile) (*types.Run, *Plan, error) {
	now := time.Now()
	run := &types.Run{
		ID:        uuid.New(),
		Root:      root,
		Status:    tri.RunStatusPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.runTimeout > 0 {
		deadline := now.Add(p.runTimeout)
		run.Deadline = &deadline
	}
	if err := p.runs.Create(dbctx.Context{Ctx: ctx}, run); err != nil {
		return nil, nil, fmt.Errorf("create run: %w", err)
	}
	log := p.log.With("run_id", run.ID)

	plan, err := p.plan(ctx, run, files)
	if err != nil {
		log.Error("planning failed", "error", err)
		_, _ = p.runs.Transition(dbctx.Context{Ctx: context.WithoutCancel(ctx)}, run.ID,
			[]string{tri.RunStatusPlanning}, tri.RunStatusAborted, map[string]interface{}{"error": err.Error()})
		return run, nil, err
	}
	if err := p.jobs.DispatchRun(dbctx.Context{Ctx: ctx}, run.ID); err != nil {
		log.Warn("dispatch failed; jobs stay queued for retry", "error", err)
	}
	run.Status = tri.RunStatusAnalyzing
	log.Info("run planned",
		"files", len(plan.Manifest.JobGraph.File),
		"directories", len(plan.Manifest.JobGraph.Directory),
		"candidates", len(plan.Candidates),
	)
	return run, plan, nil
}

func (p *Planner) plan(ctx context.Context, run *types.Run, files []SourceFile) (*Plan, error) {
	plan, err := p.generator.Generate(ctx, run.ID.String(), files)
	if err != nil {
		return nil, err
	}

	// The manifest must be durable before any job can run.
	if err := p.store.Save(ctx, plan.Manifest); err != nil && !errors.Is(err, ErrManifestExists) {
		return nil, fmt.Errorf("save manifest: %w", err)
	}

	entityRows := make([]*types.PointOfInterest, 0, len(plan.Entities))
	for _, e := range plan.Entities {
		entityRows = append(entityRows, &types.PointOfInterest{
			RunID:         run.ID,
			QualifiedName: e.QualifiedName,
			Name:          e.Name,
			Type:          e.Type,
			FilePath:      e.FilePath,
			Directory:     e.Directory,
			Line:          e.Line,
		})
	}
	candidateRows := make([]*types.CandidateRelationship, 0, len(plan.Candidates))
	for _, c := range plan.Candidates {
		candidateRows = append(candidateRows, &types.CandidateRelationship{
			RunID:            run.ID,
			RelationshipHash: c.Hash,
			SourceQName:      c.Source.QualifiedName,
			TargetQName:      c.Target.QualifiedName,
			Type:             c.Type,
			SourceFile:       c.Source.FilePath,
			TargetFile:       c.Target.FilePath,
			SourceDir:        c.Source.Directory,
			TargetDir:        c.Target.Directory,
		})
	}

	specs := jobSpecs(run.ID, plan.Manifest.JobGraph)
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if err := p.candidates.CreateEntities(dbc, entityRows); err != nil {
			return fmt.Errorf("persist entities: %w", err)
		}
		if err := p.candidates.CreateCandidates(dbc, candidateRows); err != nil {
			return fmt.Errorf("persist candidates: %w", err)
		}
		if _, err := p.jobs.Enqueue(dbc, specs); err != nil {
			return err
		}
		ok, err := p.runs.Transition(dbc, run.ID, []string{tri.RunStatusPlanning}, tri.RunStatusAnalyzing, nil)
		if err != nil {
			return fmt.Errorf("mark run analyzing: %w", err)
		}
		if !ok {
			return fmt.Errorf("run %s left planning state", run.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func jobSpecs(runID uuid.UUID, graph JobGraph) []services.JobSpec {
	specs := make([]services.JobSpec, 0, len(graph.File)+len(graph.Directory)+len(graph.Global))
	add := func(pass evidence.Pass, ids []string) {
		prefix := pass.JobType() + ":"
		for _, id := range ids {
			scope := id[len(prefix):]
			specs = append(specs, services.JobSpec{
				RunID:   runID,
				JobType: pass.JobType(),
				JobKey:  id,
				Scope:   scope,
				Payload: evidence.JobPayload{RunID: runID.String(), JobType: pass, ScopeIdentifier: scope},
			})
		}
	}
	add(evidence.PassFile, graph.File)
	add(evidence.PassDirectory, graph.Directory)
	add(evidence.PassGlobal, graph.Global)
	return specs
}
