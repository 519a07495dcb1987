// Package reconcile turns the collected evidence for one relationship into its
// validated record.
package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	tri "github.com/yungbote/codegraph-triangulation/internal/domain/triangulation"
	"github.com/yungbote/codegraph-triangulation/internal/jobs/runtime"
	"github.com/yungbote/codegraph-triangulation/internal/observability"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/scoring"
)

type Deps struct {
	DB         *gorm.DB
	Log        *logger.Logger
	Evidence   repos.EvidenceRepo
	Candidates repos.CandidateRepo
	Validated  repos.ValidatedRepo
}

type Reconciler struct {
	db         *gorm.DB
	log        *logger.Logger
	evidence   repos.EvidenceRepo
	candidates repos.CandidateRepo
	validated  repos.ValidatedRepo
}

func New(deps Deps) *Reconciler {
	return &Reconciler{
		db:         deps.DB,
		log:        deps.Log.With("component", "ReconciliationWorker"),
		evidence:   deps.Evidence,
		candidates: deps.Candidates,
		validated:  deps.Validated,
	}
}

// Outcome is stored as the job result.
type Outcome struct {
	RelationshipHash string  `json:"relationshipHash"`
	Score            float64 `json:"score"`
	HasConflict      bool    `json:"hasConflict"`
	Partial          bool    `json:"partial"`
	EvidenceCount    int     `json:"evidenceCount"`
}

func (r *Reconciler) Type() string { return evidence.JobTypeReconcile }

func (r *Reconciler) Run(jc *runtime.Context) (err error) {
	var payload evidence.ReconcilePayload
	if err := jc.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrQuarantine, err)
	}
	runID, perr := uuid.Parse(payload.RunID)
	if perr != nil || payload.RelationshipHash == "" {
		return fmt.Errorf("%w: bad reconcile payload run=%q hash=%q", runtime.ErrQuarantine, payload.RunID, payload.RelationshipHash)
	}
	hash := payload.RelationshipHash
	log := r.log.With("run_id", runID, "relationship_hash", hash)

	ctx, span := observability.StartSpan(jc.Ctx, "reconcile.relationship",
		attribute.String("run_id", runID.String()),
		attribute.String("relationship_hash", hash),
		attribute.Bool("partial", payload.Partial),
	)
	defer func() { observability.EndSpan(span, err) }()
	dbc := dbctx.Context{Ctx: ctx}

	jc.Progress("load_evidence")
	rows, err := r.evidence.ListByHash(dbc, runID, hash)
	if err != nil {
		return fmt.Errorf("load evidence: %w", err)
	}
	rows = dedupe(rows)
	if len(rows) == 0 {
		log.Error("reconciliation found no evidence")
		jc.Succeed("no_evidence", Outcome{RelationshipHash: hash, Partial: payload.Partial})
		return nil
	}

	if payload.Partial {
		existing, err := r.validated.Get(dbc, runID, hash)
		if err != nil {
			return fmt.Errorf("load verdict: %w", err)
		}
		if existing != nil && !existing.Partial {
			log.Info("complete verdict already stored, partial reconcile skipped")
			jc.Succeed("superseded", Outcome{RelationshipHash: hash, Score: existing.ConfidenceScore, HasConflict: existing.HasConflict, EvidenceCount: existing.EvidenceCount})
			return nil
		}
	}

	cand, err := r.candidates.GetByHash(dbc, runID, hash)
	if err != nil {
		return fmt.Errorf("load candidate: %w", err)
	}
	if cand == nil {
		return fmt.Errorf("%w: no candidate row for %s", runtime.ErrQuarantine, hash)
	}

	findings := make([]evidence.Finding, 0, len(rows))
	for _, e := range rows {
		findings = append(findings, toFinding(e))
	}
	res := scoring.FinalScore(findings)

	validated := &types.ValidatedRelationship{
		RunID:            runID,
		RelationshipHash: hash,
		SourceQName:      cand.SourceQName,
		TargetQName:      cand.TargetQName,
		Type:             cand.Type,
		ProposedType:     proposedType(res.Base, findings),
		Status:           tri.ValidationStatusValidated,
		ConfidenceScore:  res.Score,
		HasConflict:      res.HasConflict,
		Partial:          payload.Partial,
		EvidenceCount:    len(rows),
	}
	audit := make([]*types.ValidatedEvidence, 0, len(rows))
	for _, e := range rows {
		audit = append(audit, &types.ValidatedEvidence{
			RunID:             runID,
			RelationshipHash:  hash,
			JobID:             e.JobID,
			SourceWorker:      e.SourceWorker,
			FoundRelationship: e.FoundRelationship,
			InitialScore:      e.InitialScore,
			Degraded:          e.Degraded,
			RawModelOutput:    e.RawModelOutput,
		})
	}
	var conflict *types.ConflictReport
	if res.HasConflict {
		trail, err := json.Marshal(findings)
		if err != nil {
			return fmt.Errorf("encode conflict evidence: %w", err)
		}
		conflict = &types.ConflictReport{
			RunID:            runID,
			RelationshipHash: hash,
			Agreements:       res.Agreements,
			Disagreements:    res.Disagreements,
			FinalScore:       res.Score,
			Evidence:         datatypes.JSON(trail),
		}
		log.Warn("providers disagree",
			"agreements", res.Agreements,
			"disagreements", res.Disagreements,
			"final_score", res.Score,
			"evidence", string(trail),
		)
	}

	jc.Progress("persist")
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		if err := r.validated.Upsert(txc, validated); err != nil {
			return fmt.Errorf("upsert validated relationship: %w", err)
		}
		if err := r.validated.AppendAudit(txc, audit); err != nil {
			return fmt.Errorf("append audit trail: %w", err)
		}
		if conflict != nil {
			if err := r.validated.UpsertConflict(txc, conflict); err != nil {
				return fmt.Errorf("record conflict: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Debug("relationship validated", "score", res.Score, "has_conflict", res.HasConflict, "partial", payload.Partial, "evidence", len(rows))
	jc.Succeed("done", Outcome{
		RelationshipHash: hash,
		Score:            res.Score,
		HasConflict:      res.HasConflict,
		Partial:          payload.Partial,
		EvidenceCount:    len(rows),
	})
	return nil
}

// dedupe keeps counted rows, one per job.
func dedupe(rows []*types.RelationshipEvidence) []*types.RelationshipEvidence {
	seen := make(map[string]struct{}, len(rows))
	out := make([]*types.RelationshipEvidence, 0, len(rows))
	for _, e := range rows {
		if !e.Counted {
			continue
		}
		if _, ok := seen[e.JobID]; ok {
			continue
		}
		seen[e.JobID] = struct{}{}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func toFinding(e *types.RelationshipEvidence) evidence.Finding {
	f := evidence.Finding{
		RelationshipHash:  e.RelationshipHash,
		JobID:             e.JobID,
		SourceWorker:      evidence.Pass(e.SourceWorker),
		FoundRelationship: e.FoundRelationship,
		InitialScore:      e.InitialScore,
		ProposedType:      e.ProposedType,
		Degraded:          e.Degraded,
	}
	if len(e.RawModelOutput) > 0 {
		f.RawModelOutput = json.RawMessage(e.RawModelOutput)
	}
	return f
}

// proposedType takes the base finding's label, falling back to the first
// confirming finding that carries one.
func proposedType(base evidence.Finding, findings []evidence.Finding) string {
	if base.ProposedType != "" {
		return base.ProposedType
	}
	for _, f := range findings {
		if f.FoundRelationship && f.ProposedType != "" {
			return f.ProposedType
		}
	}
	return ""
}
