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

type FindingRepo interface {
	// Append inserts findings, ignoring rows already stored for the same
	// (run, job, hash). It returns the number of new rows.
	Append(dbc dbctx.Context, rows []*types.Finding) (int64, error)
	ListByJob(dbc dbctx.Context, runID uuid.UUID, jobID string) ([]*types.Finding, error)
	DeleteByRun(dbc dbctx.Context, runID uuid.UUID) error
}

type findingRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewFindingRepo(db *gorm.DB, baseLog *logger.Logger) FindingRepo {
	return &findingRepo{db: db, log: baseLog.With("repo", "FindingRepo")}
}

func (r *findingRepo) Append(dbc dbctx.Context, rows []*types.Finding) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return 0, nil
	}
	now := time.Now()
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
	}
	res := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "job_id"}, {Name: "relationship_hash"}},
			DoNothing: true,
		}).
		CreateInBatches(rows, 500)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *findingRepo) ListByJob(dbc dbctx.Context, runID uuid.UUID, jobID string) ([]*types.Finding, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Finding
	if err := transaction.WithContext(dbc.Ctx).
		Where("run_id = ? AND job_id = ?", runID, jobID).
		Order("relationship_hash ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *findingRepo) DeleteByRun(dbc dbctx.Context, runID uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).Where("run_id = ?", runID).Delete(&types.Finding{}).Error
}
