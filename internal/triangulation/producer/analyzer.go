// Package producer runs the three analysis passes. Each job writes exactly one
// finding per candidate in its scope plus one outbox row, in one transaction.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	triangulationrepo "github.com/yungbote/codegraph-triangulation/internal/data/repos/triangulation"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	"github.com/yungbote/codegraph-triangulation/internal/jobs/runtime"
	"github.com/yungbote/codegraph-triangulation/internal/observability"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/envutil"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/platform/openai"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/fallback"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/llmpolicy"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/modeladapter"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/scoring"
)

type Config struct {
	// ContextBudget caps the prompt size in bytes.
	ContextBudget int
	// BatchSize caps the candidates sent in one model call.
	BatchSize int
}

func ConfigFromEnv() Config {
	return Config{
		ContextBudget: envutil.Int("PRODUCER_CONTEXT_BUDGET_BYTES", 48_000),
		BatchSize:     envutil.Int("PRODUCER_BATCH_SIZE", 200),
	}
}

type Deps struct {
	DB         *gorm.DB
	Log        *logger.Logger
	Runs       repos.RunRepo
	Candidates repos.CandidateRepo
	Findings   repos.FindingRepo
	Outbox     repos.OutboxRepo
	// Model may be nil; every batch then goes through the degraded extractor.
	Model    openai.Client
	Policy   *llmpolicy.Policy
	Adapter  *modeladapter.Adapter
	Fallback *fallback.Extractor
	Reader   SourceReader
}

// Analyzer holds what the three pass handlers share.
type Analyzer struct {
	db         *gorm.DB
	log        *logger.Logger
	runs       repos.RunRepo
	candidates repos.CandidateRepo
	findings   repos.FindingRepo
	outbox     repos.OutboxRepo
	model      openai.Client
	policy     *llmpolicy.Policy
	adapter    *modeladapter.Adapter
	fallback   *fallback.Extractor
	reader     SourceReader
	cfg        Config
}

func NewAnalyzer(deps Deps, cfg Config) *Analyzer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 48_000
	}
	return &Analyzer{
		db:         deps.DB,
		log:        deps.Log.With("component", "Analyzer"),
		runs:       deps.Runs,
		candidates: deps.Candidates,
		findings:   deps.Findings,
		outbox:     deps.Outbox,
		model:      deps.Model,
		policy:     deps.Policy,
		adapter:    deps.Adapter,
		fallback:   deps.Fallback,
		reader:     deps.Reader,
		cfg:        cfg,
	}
}

// Outcome is stored as the job result.
type Outcome struct {
	JobID    string `json:"jobId"`
	Findings int    `json:"findings"`
	Found    int    `json:"found"`
	Degraded int    `json:"degraded"`
	Inserted int64  `json:"inserted"`
}

func scopeKind(p evidence.Pass) string {
	switch p {
	case evidence.PassFile:
		return triangulationrepo.ScopeFile
	case evidence.PassDirectory:
		return triangulationrepo.ScopeDirectory
	default:
		return triangulationrepo.ScopeGlobal
	}
}

func (a *Analyzer) processJob(jc *runtime.Context, pass evidence.Pass) (err error) {
	var payload evidence.JobPayload
	if err := jc.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrQuarantine, err)
	}
	if payload.JobType != "" && payload.JobType != pass {
		return fmt.Errorf("%w: payload jobType %q on %s handler", runtime.ErrQuarantine, payload.JobType, pass)
	}
	runID, perr := uuid.Parse(payload.RunID)
	if perr != nil {
		return fmt.Errorf("%w: invalid runId %q", runtime.ErrQuarantine, payload.RunID)
	}
	jobID := evidence.JobID(pass, payload.ScopeIdentifier)
	log := a.log.With("run_id", runID, "job_id", jobID)

	ctx, span := observability.StartSpan(jc.Ctx, "producer."+string(pass),
		attribute.String("run_id", runID.String()),
		attribute.String("job_id", jobID),
	)
	defer func() { observability.EndSpan(span, err) }()

	run, err := a.runs.GetByID(dbctx.Context{Ctx: ctx}, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("%w: run %s not found", runtime.ErrQuarantine, runID)
	}
	if !run.Active() {
		log.Info("run no longer active; skipping", "status", run.Status)
		jc.Succeed("run_inactive", Outcome{JobID: jobID})
		return nil
	}

	jc.Progress("load_candidates")
	cands, err := a.candidates.ListInScope(dbctx.Context{Ctx: ctx}, runID, scopeKind(pass), payload.ScopeIdentifier)
	if err != nil {
		return fmt.Errorf("load candidates: %w", err)
	}

	files := a.readFiles(ctx, run.Root, cands, log)
	entities, err := a.loadEntities(ctx, runID, cands)
	if err != nil {
		return err
	}

	jc.Progress("analyze")
	now := time.Now()
	rows := make([]*types.Finding, 0, len(cands))
	out := Outcome{JobID: jobID}
	for start := 0; start < len(cands); start += a.cfg.BatchSize {
		end := start + a.cfg.BatchSize
		if end > len(cands) {
			end = len(cands)
		}
		batch := cands[start:end]
		verdicts, degraded, err := a.analyzeBatch(ctx, pass, payload.ScopeIdentifier, batch, files, entities, log)
		if err != nil {
			return err
		}
		for _, c := range batch {
			f := &types.Finding{
				ID:                uuid.New(),
				RunID:             runID,
				JobID:             jobID,
				RelationshipHash:  c.RelationshipHash,
				SourceWorker:      string(pass),
				FoundRelationship: false,
				InitialScore:      scoring.NotConfirmedScore,
				Degraded:          degraded,
				CreatedAt:         now,
			}
			if v, ok := verdicts[c.RelationshipHash]; ok {
				f.FoundRelationship = v.Found
				f.InitialScore = v.Score
				f.ProposedType = v.ProposedType
				if len(v.Raw) > 0 {
					f.RawModelOutput = datatypes.JSON(v.Raw)
				}
			}
			if f.FoundRelationship {
				out.Found++
			}
			if degraded {
				out.Degraded++
			}
			rows = append(rows, f)
		}
	}
	out.Findings = len(rows)

	jc.Progress("persist")
	summary, _ := json.Marshal(evidence.PassCompleted{
		RunID:        runID.String(),
		JobID:        jobID,
		Source:       pass,
		FindingCount: len(rows),
	})
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		n, err := a.findings.Append(dbc, rows)
		if err != nil {
			return fmt.Errorf("append findings: %w", err)
		}
		out.Inserted = n
		dedupe := runID.String() + "/" + jobID
		return a.outbox.Create(dbc, &types.OutboxEvent{
			ID:        uuid.New(),
			RunID:     runID,
			EventName: evidence.EventPassCompleted,
			DedupeKey: &dedupe,
			Payload:   datatypes.JSON(summary),
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}

	log.Info("pass completed", "findings", out.Findings, "found", out.Found, "degraded", out.Degraded)
	jc.Succeed("done", out)
	return nil
}

// analyzeBatch asks the model about batch. It falls back to the syntactic
// extractor when no model is configured, the request is rejected outright or
// the answer cannot be parsed. An exhausted retry budget quarantines the job.
func (a *Analyzer) analyzeBatch(
	ctx context.Context,
	pass evidence.Pass,
	scope string,
	batch []*types.CandidateRelationship,
	files map[string][]byte,
	entities map[string]*types.PointOfInterest,
	log *logger.Logger,
) (map[string]modeladapter.Verdict, bool, error) {
	if len(batch) == 0 {
		return nil, false, nil
	}
	if a.model == nil {
		return a.degrade(ctx, batch, files, entities), true, nil
	}

	allowed := make(map[string]struct{}, len(batch))
	for _, c := range batch {
		allowed[c.RelationshipHash] = struct{}{}
	}
	user := buildUserPrompt(pass, scope, batch, files, a.cfg.ContextBudget)
	raw, err := llmpolicy.Do(ctx, a.policy, "analyze."+string(pass), func(ctx context.Context) (json.RawMessage, error) {
		return a.model.GenerateJSON(ctx, systemPrompt, user, modeladapter.SchemaName, modeladapter.Schema)
	})
	switch {
	case err == nil:
	case errors.Is(err, llmpolicy.ErrRetryBudgetExhausted):
		return nil, false, fmt.Errorf("%w: %v", runtime.ErrQuarantine, err)
	case errors.Is(err, llmpolicy.ErrCircuitOpen), ctx.Err() != nil:
		return nil, false, err
	default:
		log.Warn("model request rejected; using degraded extraction", "error", err)
		return a.degrade(ctx, batch, files, entities), true, nil
	}

	verdicts, err := a.adapter.Parse(raw, allowed)
	if err != nil {
		log.Warn("model output unusable; using degraded extraction", "error", err, "raw_model_output", string(raw))
		return a.degrade(ctx, batch, files, entities), true, nil
	}
	return verdicts, false, nil
}

func (a *Analyzer) degrade(ctx context.Context, batch []*types.CandidateRelationship, files map[string][]byte, entities map[string]*types.PointOfInterest) map[string]modeladapter.Verdict {
	in := make([]fallback.Candidate, 0, len(batch))
	for _, c := range batch {
		in = append(in, fallback.Candidate{
			Hash:   c.RelationshipHash,
			Source: endpoint(c.SourceQName, c.SourceFile, entities),
			Target: endpoint(c.TargetQName, c.TargetFile, entities),
		})
	}
	found := a.fallback.Extract(ctx, in, files)
	out := make(map[string]modeladapter.Verdict, len(found))
	for hash, ok := range found {
		v := modeladapter.Verdict{Found: ok, Score: scoring.NotConfirmedScore}
		if ok {
			v.Score = scoring.FallbackScore
		}
		out[hash] = v
	}
	return out
}

func endpoint(qname, file string, entities map[string]*types.PointOfInterest) fallback.Endpoint {
	ep := fallback.Endpoint{QualifiedName: qname, FilePath: file}
	if e, ok := entities[qname]; ok {
		ep.Name = e.Name
		ep.Line = e.Line
	}
	return ep
}

func (a *Analyzer) readFiles(ctx context.Context, root string, cands []*types.CandidateRelationship, log *logger.Logger) map[string][]byte {
	files := map[string][]byte{}
	missing := map[string]bool{}
	for _, c := range cands {
		for _, p := range []string{c.SourceFile, c.TargetFile} {
			if _, ok := files[p]; ok || missing[p] {
				continue
			}
			b, err := a.reader.Read(ctx, root, p)
			if err != nil {
				missing[p] = true
				log.Warn("source file unreadable", "path", p, "error", err)
				continue
			}
			files[p] = b
		}
	}
	return files
}

func (a *Analyzer) loadEntities(ctx context.Context, runID uuid.UUID, cands []*types.CandidateRelationship) (map[string]*types.PointOfInterest, error) {
	seen := map[string]bool{}
	qnames := make([]string, 0, len(cands))
	for _, c := range cands {
		for _, q := range []string{c.SourceQName, c.TargetQName} {
			if !seen[q] {
				seen[q] = true
				qnames = append(qnames, q)
			}
		}
	}
	rows, err := a.candidates.ListEntities(dbctx.Context{Ctx: ctx}, runID, qnames)
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}
	out := make(map[string]*types.PointOfInterest, len(rows))
	for _, e := range rows {
		out[e.QualifiedName] = e
	}
	return out, nil
}
