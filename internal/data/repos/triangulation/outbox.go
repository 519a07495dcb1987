package triangulation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/codegraph-triangulation/internal/data/db"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

type OutboxRepo interface {
	// Create stores ev. An event whose DedupeKey is already present is
	// dropped without error.
	Create(dbc dbctx.Context, ev *types.OutboxEvent) error
	// LockUndelivered selects a batch of undelivered rows, fewest attempts
	// first. Call it inside a transaction; rows held by another relay are
	// skipped.
	LockUndelivered(dbc dbctx.Context, limit int) ([]*types.OutboxEvent, error)
	MarkDelivered(dbc dbctx.Context, id uuid.UUID, at time.Time) error
	MarkFailed(dbc dbctx.Context, id uuid.UUID, reason string) error
	// MarkDead records a final failure; dead rows are never locked again.
	MarkDead(dbc dbctx.Context, id uuid.UUID, reason string, at time.Time) error
	CountUndelivered(dbc dbctx.Context) (int64, error)
	ListDead(dbc dbctx.Context, limit int) ([]*types.OutboxEvent, error)
}

type outboxRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOutboxRepo(db *gorm.DB, baseLog *logger.Logger) OutboxRepo {
	return &outboxRepo{db: db, log: baseLog.With("repo", "OutboxRepo")}
}

func (r *outboxRepo) Create(dbc dbctx.Context, ev *types.OutboxEvent) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	// The savepoint keeps an enclosing Postgres transaction usable after a
	// duplicate key.
	err := transaction.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(ev).Error
	})
	if err != nil && ev.DedupeKey != nil && db.IsUniqueViolation(err) {
		r.log.Debug("outbox event already recorded", "dedupe_key", *ev.DedupeKey)
		return nil
	}
	return err
}

func (r *outboxRepo) LockUndelivered(dbc dbctx.Context, limit int) ([]*types.OutboxEvent, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.OutboxEvent
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("delivered = ? AND dead_at IS NULL", false).
		Order("attempts ASC, created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *outboxRepo) MarkDelivered(dbc dbctx.Context, id uuid.UUID, at time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"delivered":    true,
			"delivered_at": at,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   "",
		}).Error
}

func (r *outboxRepo) MarkFailed(dbc dbctx.Context, id uuid.UUID, reason string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.OutboxEvent{}).
		Where("id = ? AND delivered = ?", id, false).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
		}).Error
}

func (r *outboxRepo) MarkDead(dbc dbctx.Context, id uuid.UUID, reason string, at time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.OutboxEvent{}).
		Where("id = ? AND delivered = ?", id, false).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
			"dead_at":    at,
		}).Error
}

// CountUndelivered counts rows still waiting for the relay; dead rows are
// excluded.
func (r *outboxRepo) CountUndelivered(dbc dbctx.Context) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.OutboxEvent{}).
		Where("delivered = ? AND dead_at IS NULL", false).
		Count(&n).Error
	return n, err
}

func (r *outboxRepo) ListDead(dbc dbctx.Context, limit int) ([]*types.OutboxEvent, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.OutboxEvent
	if err := transaction.WithContext(dbc.Ctx).
		Where("dead_at IS NOT NULL").
		Order("dead_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
