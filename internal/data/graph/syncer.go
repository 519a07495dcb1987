// Package graph projects validated relationships into the knowledge graph.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/envutil"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

type SyncConfig struct {
	Interval  time.Duration
	BatchSize int
}

func SyncConfigFromEnv() SyncConfig {
	return SyncConfig{
		Interval:  envutil.Millis("GRAPH_SYNC_INTERVAL_MS", 2*time.Second),
		BatchSize: envutil.Int("GRAPH_SYNC_BATCH_SIZE", 500),
	}
}

// Syncer copies validated rows that have not been projected yet. A nil
// projector disables it.
type Syncer struct {
	log       *logger.Logger
	validated repos.ValidatedRepo
	projector Projector
	cfg       SyncConfig
	now       func() time.Time
}

func NewSyncer(baseLog *logger.Logger, validated repos.ValidatedRepo, projector Projector, cfg SyncConfig) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Syncer{
		log:       baseLog.With("component", "GraphSyncer"),
		validated: validated,
		projector: projector,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *Syncer) Enabled() bool { return s != nil && s.projector != nil }

func (s *Syncer) Run(ctx context.Context) error {
	if !s.Enabled() {
		s.log.Info("graph projection disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("graph sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncOnce projects one batch and marks it synced. Rows rewritten while the
// batch was in flight are picked up again on the next pass.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	readAt := s.now()
	rows, err := s.validated.ListUnsynced(dbctx.Context{Ctx: ctx}, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unsynced: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.projector.Project(ctx, rows); err != nil {
		return 0, err
	}
	at := s.now()
	for runID, hashes := range byRun(rows) {
		if err := s.validated.MarkSynced(dbctx.Context{Ctx: ctx}, runID, hashes, readAt, at); err != nil {
			return 0, fmt.Errorf("mark synced: %w", err)
		}
	}
	s.log.Debug("projected relationships", "count", len(rows))
	return len(rows), nil
}

func byRun(rows []*types.ValidatedRelationship) map[uuid.UUID][]string {
	out := map[uuid.UUID][]string{}
	for _, r := range rows {
		out[r.RunID] = append(out[r.RunID], r.RelationshipHash)
	}
	return out
}
