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

type ManifestRepo interface {
	// CreateOnce stores the manifest unless one already exists for the run.
	CreateOnce(dbc dbctx.Context, rec *types.ManifestRecord) (bool, error)
	GetByRunID(dbc dbctx.Context, runID uuid.UUID) (*types.ManifestRecord, error)
}

type manifestRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewManifestRepo(db *gorm.DB, baseLog *logger.Logger) ManifestRepo {
	return &manifestRepo{db: db, log: baseLog.With("repo", "ManifestRepo")}
}

func (r *manifestRepo) CreateOnce(dbc dbctx.Context, rec *types.ManifestRecord) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "run_id"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *manifestRepo) GetByRunID(dbc dbctx.Context, runID uuid.UUID) (*types.ManifestRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rec types.ManifestRecord
	if err := transaction.WithContext(dbc.Ctx).Where("run_id = ?", runID).Limit(1).Find(&rec).Error; err != nil {
		return nil, err
	}
	if rec.RunID == uuid.Nil {
		return nil, nil
	}
	return &rec, nil
}
