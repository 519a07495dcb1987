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

type CounterRepo interface {
	// IncrementDistinct registers jobID as a provider for the relationship and
	// returns the number of distinct providers seen so far. A provider that was
	// already registered leaves the count unchanged.
	IncrementDistinct(dbc dbctx.Context, runID uuid.UUID, hash string, jobID string) (int64, error)
	Get(dbc dbctx.Context, runID uuid.UUID, hash string) (int64, error)
	ListByRun(dbc dbctx.Context, runID uuid.UUID) (map[string]int64, error)
	DeleteByRun(dbc dbctx.Context, runID uuid.UUID) error
}

type counterRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCounterRepo(db *gorm.DB, baseLog *logger.Logger) CounterRepo {
	return &counterRepo{db: db, log: baseLog.With("repo", "CounterRepo")}
}

func (r *counterRepo) IncrementDistinct(dbc dbctx.Context, runID uuid.UUID, hash string, jobID string) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		now := time.Now()
		res := txx.Clauses(clause.OnConflict{DoNothing: true}).Create(&types.EvidenceProvider{
			RunID:            runID,
			RelationshipHash: hash,
			JobID:            jobID,
			CreatedAt:        now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return txx.Model(&types.EvidenceCounter{}).
				Select("count").
				Where("run_id = ? AND relationship_hash = ?", runID, hash).
				Scan(&count).Error
		}
		// Single statement increment-and-read; the row lock serializes
		// concurrent providers for the same relationship.
		return txx.Raw(`
      INSERT INTO evidence_counter (run_id, relationship_hash, count, updated_at)
      VALUES (?, ?, 1, ?)
      ON CONFLICT (run_id, relationship_hash)
      DO UPDATE SET count = evidence_counter.count + 1, updated_at = excluded.updated_at
      RETURNING count
    `, runID, hash, now).Scan(&count).Error
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *counterRepo) Get(dbc dbctx.Context, runID uuid.UUID, hash string) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.EvidenceCounter{}).
		Select("count").
		Where("run_id = ? AND relationship_hash = ?", runID, hash).
		Scan(&count).Error
	return count, err
}

func (r *counterRepo) ListByRun(dbc dbctx.Context, runID uuid.UUID) (map[string]int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []*types.EvidenceCounter
	if err := transaction.WithContext(dbc.Ctx).Where("run_id = ?", runID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.RelationshipHash] = row.Count
	}
	return out, nil
}

func (r *counterRepo) DeleteByRun(dbc dbctx.Context, runID uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("run_id = ?", runID).Delete(&types.EvidenceProvider{}).Error; err != nil {
			return err
		}
		return txx.Where("run_id = ?", runID).Delete(&types.EvidenceCounter{}).Error
	})
}
