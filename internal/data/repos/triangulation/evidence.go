package triangulation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

type EvidenceRepo interface {
	// Append adds entries to the per-relationship evidence log. A second
	// entry for the same (run, hash, job) is ignored.
	Append(dbc dbctx.Context, rows []*types.RelationshipEvidence) (int64, error)
	ListByHash(dbc dbctx.Context, runID uuid.UUID, hash string) ([]*types.RelationshipEvidence, error)
	DeleteByRun(dbc dbctx.Context, runID uuid.UUID) error
}

type evidenceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEvidenceRepo(db *gorm.DB, baseLog *logger.Logger) EvidenceRepo {
	return &evidenceRepo{db: db, log: baseLog.With("repo", "EvidenceRepo")}
}

func (r *evidenceRepo) Append(dbc dbctx.Context, rows []*types.RelationshipEvidence) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return 0, nil
	}
	now := time.Now()
	for _, row := range rows {
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
	}
	res := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "relationship_hash"}, {Name: "job_id"}},
			DoNothing: true,
		}).
		CreateInBatches(rows, 500)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *evidenceRepo) ListByHash(dbc dbctx.Context, runID uuid.UUID, hash string) ([]*types.RelationshipEvidence, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.RelationshipEvidence
	if err := transaction.WithContext(dbc.Ctx).
		Where("run_id = ? AND relationship_hash = ?", runID, hash).
		Order("job_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *evidenceRepo) DeleteByRun(dbc dbctx.Context, runID uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).Where("run_id = ?", runID).Delete(&types.RelationshipEvidence{}).Error
}
