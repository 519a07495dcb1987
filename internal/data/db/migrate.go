package db

import (
	"fmt"

	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		// =========================
		// Runs + manifest
		// =========================
		&types.Run{},
		&types.ManifestRecord{},
		&types.PointOfInterest{},
		&types.CandidateRelationship{},

		// =========================
		// Evidence (producers -> outbox -> coordinator)
		// =========================
		&types.Finding{},
		&types.OutboxEvent{},
		&types.RelationshipEvidence{},
		&types.EvidenceCounter{},
		&types.EvidenceProvider{},

		// =========================
		// Verdicts + audit
		// =========================
		&types.ValidatedRelationship{},
		&types.ValidatedEvidence{},
		&types.ConflictReport{},

		// =========================
		// Jobs / worker
		// =========================
		&types.JobRun{},
	)
}

// EnsurePostgresIndexes adds partial indexes AutoMigrate cannot express.
func EnsurePostgresIndexes(db *gorm.DB) error {
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_outbox_event_live
		ON outbox_event (attempts, created_at)
		WHERE delivered = false AND dead_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_outbox_event_live: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_validated_relationship_unsynced
		ON validated_relationship (updated_at)
		WHERE status = 'VALIDATED' AND synced_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_validated_relationship_unsynced: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_run_runnable
		ON job_run (created_at)
		WHERE status IN ('queued', 'failed', 'running');
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_run_runnable: %w", err)
	}
	return nil
}
