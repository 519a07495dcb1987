package triangulation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	tri "github.com/yungbote/codegraph-triangulation/internal/domain/triangulation"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

type ValidatedCounts struct {
	Validated int64
	Conflicts int64
	Partial   int64
}

type ValidatedRepo interface {
	// Upsert writes the verdict for (run, hash). A verdict computed from
	// partial evidence never replaces one computed from complete evidence.
	Upsert(dbc dbctx.Context, row *types.ValidatedRelationship) error
	AppendAudit(dbc dbctx.Context, rows []*types.ValidatedEvidence) error
	UpsertConflict(dbc dbctx.Context, row *types.ConflictReport) error
	Get(dbc dbctx.Context, runID uuid.UUID, hash string) (*types.ValidatedRelationship, error)
	ListAudit(dbc dbctx.Context, runID uuid.UUID, hash string) ([]*types.ValidatedEvidence, error)
	GetConflict(dbc dbctx.Context, runID uuid.UUID, hash string) (*types.ConflictReport, error)
	CountByRun(dbc dbctx.Context, runID uuid.UUID) (ValidatedCounts, error)
	ListHashesByRun(dbc dbctx.Context, runID uuid.UUID) ([]string, error)
	ListUnsynced(dbc dbctx.Context, limit int) ([]*types.ValidatedRelationship, error)
	// MarkSynced stamps rows not updated after readAt, so a verdict rewritten
	// mid-sync stays unsynced.
	MarkSynced(dbc dbctx.Context, runID uuid.UUID, hashes []string, readAt time.Time, at time.Time) error
}

type validatedRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewValidatedRepo(db *gorm.DB, baseLog *logger.Logger) ValidatedRepo {
	return &validatedRepo{db: db, log: baseLog.With("repo", "ValidatedRepo")}
}

func (r *validatedRepo) Upsert(dbc dbctx.Context, row *types.ValidatedRelationship) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	row.SyncedAt = nil
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "run_id"}, {Name: "relationship_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"proposed_type",
				"status",
				"confidence_score",
				"has_conflict",
				"partial",
				"evidence_count",
				"synced_at",
				"updated_at",
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "validated_relationship.partial = ? OR excluded.partial = ?", Vars: []interface{}{true, false}},
			}},
		}).
		Create(row).Error
}

func (r *validatedRepo) AppendAudit(dbc dbctx.Context, rows []*types.ValidatedEvidence) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return nil
	}
	now := time.Now()
	for _, row := range rows {
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "relationship_hash"}, {Name: "job_id"}},
			DoNothing: true,
		}).
		CreateInBatches(rows, 500).Error
}

func (r *validatedRepo) UpsertConflict(dbc dbctx.Context, row *types.ConflictReport) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "relationship_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"agreements", "disagreements", "final_score", "evidence"}),
		}).
		Create(row).Error
}

func (r *validatedRepo) Get(dbc dbctx.Context, runID uuid.UUID, hash string) (*types.ValidatedRelationship, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var row types.ValidatedRelationship
	if err := transaction.WithContext(dbc.Ctx).
		Where("run_id = ? AND relationship_hash = ?", runID, hash).
		Limit(1).
		Find(&row).Error; err != nil {
		return nil, err
	}
	if row.RelationshipHash == "" {
		return nil, nil
	}
	return &row, nil
}

func (r *validatedRepo) ListAudit(dbc dbctx.Context, runID uuid.UUID, hash string) ([]*types.ValidatedEvidence, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ValidatedEvidence
	if err := transaction.WithContext(dbc.Ctx).
		Where("run_id = ? AND relationship_hash = ?", runID, hash).
		Order("job_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *validatedRepo) GetConflict(dbc dbctx.Context, runID uuid.UUID, hash string) (*types.ConflictReport, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var row types.ConflictReport
	if err := transaction.WithContext(dbc.Ctx).
		Where("run_id = ? AND relationship_hash = ?", runID, hash).
		Limit(1).
		Find(&row).Error; err != nil {
		return nil, err
	}
	if row.RelationshipHash == "" {
		return nil, nil
	}
	return &row, nil
}

func (r *validatedRepo) CountByRun(dbc dbctx.Context, runID uuid.UUID) (ValidatedCounts, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out ValidatedCounts
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.ValidatedRelationship{}).
		Select(`
      COUNT(*) AS validated,
      COALESCE(SUM(CASE WHEN has_conflict THEN 1 ELSE 0 END), 0) AS conflicts,
      COALESCE(SUM(CASE WHEN partial THEN 1 ELSE 0 END), 0) AS partial
    `).
		Where("run_id = ? AND status = ?", runID, tri.ValidationStatusValidated).
		Scan(&out).Error
	return out, err
}

func (r *validatedRepo) ListHashesByRun(dbc dbctx.Context, runID uuid.UUID) ([]string, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []string
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.ValidatedRelationship{}).
		Where("run_id = ?", runID).
		Order("relationship_hash ASC").
		Pluck("relationship_hash", &out).Error
	return out, err
}

func (r *validatedRepo) ListUnsynced(dbc dbctx.Context, limit int) ([]*types.ValidatedRelationship, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 500
	}
	var out []*types.ValidatedRelationship
	if err := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND synced_at IS NULL", tri.ValidationStatusValidated).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *validatedRepo) MarkSynced(dbc dbctx.Context, runID uuid.UUID, hashes []string, readAt time.Time, at time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(hashes) == 0 {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.ValidatedRelationship{}).
		Where("run_id = ? AND relationship_hash IN ? AND updated_at <= ?", runID, hashes, readAt).
		Update("synced_at", at).Error
}
