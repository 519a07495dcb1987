// Package tritest wires an in-memory triangulation stack for package tests.
package tritest

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	"github.com/yungbote/codegraph-triangulation/internal/data/repos/testutil"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	"github.com/yungbote/codegraph-triangulation/internal/jobs/runtime"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/services"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/manifest"
)

type Harness struct {
	DB  *gorm.DB
	Log *logger.Logger

	Runs       repos.RunRepo
	Manifests  repos.ManifestRepo
	Candidates repos.CandidateRepo
	Jobs       repos.JobRunRepo
	Findings   repos.FindingRepo
	Outbox     repos.OutboxRepo
	Evidence   repos.EvidenceRepo
	Counters   repos.CounterRepo
	Validated  repos.ValidatedRepo

	JobService services.JobService
	Store      manifest.Store
	Planner    *manifest.Planner
}

func New(tb testing.TB) *Harness {
	tb.Helper()
	db := testutil.DB(tb)
	log := testutil.Logger(tb)
	h := &Harness{
		DB:         db,
		Log:        log,
		Runs:       repos.NewRunRepo(db, log),
		Manifests:  repos.NewManifestRepo(db, log),
		Candidates: repos.NewCandidateRepo(db, log),
		Jobs:       repos.NewJobRunRepo(db, log),
		Findings:   repos.NewFindingRepo(db, log),
		Outbox:     repos.NewOutboxRepo(db, log),
		Evidence:   repos.NewEvidenceRepo(db, log),
		Counters:   repos.NewCounterRepo(db, log),
		Validated:  repos.NewValidatedRepo(db, log),
	}
	h.JobService = services.NewJobService(db, log, h.Jobs, nil, nil, "")
	h.Store = manifest.NewRepoStore(h.Manifests)
	h.Planner = manifest.NewPlanner(db, log, h.Runs, h.Candidates, h.Store, h.JobService,
		manifest.NewGenerator(log, nil, manifest.GeneratorConfig{}), nil, time.Hour)
	return h
}

// Plan plans a run over in-memory files. The run root is "mem://<name>".
func (h *Harness) Plan(tb testing.TB, files map[string]string) (*types.Run, *manifest.Plan) {
	tb.Helper()
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	src := make([]manifest.SourceFile, 0, len(files))
	for _, p := range paths {
		src = append(src, manifest.SourceFile{Path: p, Content: []byte(files[p])})
	}
	run, plan, err := h.Planner.PlanFiles(context.Background(), "mem://"+tb.Name(), src)
	if err != nil {
		tb.Fatalf("plan run: %v", err)
	}
	return run, plan
}

func (h *Harness) Job(tb testing.TB, runID uuid.UUID, jobKey string) *types.JobRun {
	tb.Helper()
	job, err := h.Jobs.GetByKey(dbctx.Context{Ctx: context.Background()}, runID, jobKey)
	if err != nil {
		tb.Fatalf("load job %s: %v", jobKey, err)
	}
	if job == nil {
		tb.Fatalf("job %s not found", jobKey)
	}
	return job
}

// Execute runs one job through the shared runtime path and returns its final
// status.
func (h *Harness) Execute(tb testing.TB, reg *runtime.Registry, job *types.JobRun, maxAttempts int) string {
	tb.Helper()
	job.Status = "running"
	job.Attempts++
	jc := runtime.NewContext(context.Background(), h.DB, job, h.Jobs, services.NewLogJobNotifier(h.Log))
	return runtime.Execute(h.Log, reg, jc, maxAttempts)
}
