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

const (
	ScopeFile      = "file"
	ScopeDirectory = "directory"
	ScopeGlobal    = "global"
)

type CandidateRepo interface {
	CreateEntities(dbc dbctx.Context, rows []*types.PointOfInterest) error
	CreateCandidates(dbc dbctx.Context, rows []*types.CandidateRelationship) error
	// ListInScope returns candidates with either end inside the scope. The
	// global scope returns every candidate of the run.
	ListInScope(dbc dbctx.Context, runID uuid.UUID, scopeKind string, scope string) ([]*types.CandidateRelationship, error)
	GetByHash(dbc dbctx.Context, runID uuid.UUID, hash string) (*types.CandidateRelationship, error)
	CountByRun(dbc dbctx.Context, runID uuid.UUID) (int64, error)
	ListEntities(dbc dbctx.Context, runID uuid.UUID, qnames []string) ([]*types.PointOfInterest, error)
}

type candidateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCandidateRepo(db *gorm.DB, baseLog *logger.Logger) CandidateRepo {
	return &candidateRepo{db: db, log: baseLog.With("repo", "CandidateRepo")}
}

func (r *candidateRepo) CreateEntities(dbc dbctx.Context, rows []*types.PointOfInterest) error {
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
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 500).Error
}

func (r *candidateRepo) CreateCandidates(dbc dbctx.Context, rows []*types.CandidateRelationship) error {
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
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 500).Error
}

func (r *candidateRepo) ListInScope(dbc dbctx.Context, runID uuid.UUID, scopeKind string, scope string) ([]*types.CandidateRelationship, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Where("run_id = ?", runID)
	switch scopeKind {
	case ScopeFile:
		q = q.Where("source_file = ? OR target_file = ?", scope, scope)
	case ScopeDirectory:
		q = q.Where("source_dir = ? OR target_dir = ?", scope, scope)
	}
	var out []*types.CandidateRelationship
	if err := q.Order("relationship_hash ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *candidateRepo) GetByHash(dbc dbctx.Context, runID uuid.UUID, hash string) (*types.CandidateRelationship, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var row types.CandidateRelationship
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

func (r *candidateRepo) CountByRun(dbc dbctx.Context, runID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(dbc.Ctx).Model(&types.CandidateRelationship{}).Where("run_id = ?", runID).Count(&n).Error
	return n, err
}

func (r *candidateRepo) ListEntities(dbc dbctx.Context, runID uuid.UUID, qnames []string) ([]*types.PointOfInterest, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.PointOfInterest
	if len(qnames) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("run_id = ? AND qualified_name IN ?", runID, qnames).
		Order("qualified_name ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
