package triangulation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RunStatusPlanning   = "planning"
	RunStatusAnalyzing  = "analyzing"
	RunStatusReconciled = "reconciled"
	RunStatusTimedOut   = "timed_out"
	RunStatusAborted    = "aborted"
)

type Run struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Root       string     `gorm:"column:root;not null" json:"root"`
	Status     string     `gorm:"column:status;not null;index" json:"status"`
	Deadline   *time.Time `gorm:"column:deadline;index" json:"deadline,omitempty"`
	ForcedAt   *time.Time `gorm:"column:forced_at" json:"forced_at,omitempty"`
	TornDownAt *time.Time `gorm:"column:torn_down_at" json:"torn_down_at,omitempty"`
	Error      string     `gorm:"column:error" json:"error,omitempty"`
	CreatedAt  time.Time  `gorm:"not null;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null" json:"updated_at"`
}

func (Run) TableName() string { return "run" }

func (r *Run) Active() bool {
	return r != nil && (r.Status == RunStatusPlanning || r.Status == RunStatusAnalyzing)
}

// ManifestRecord is the durable copy of a run's manifest.
type ManifestRecord struct {
	RunID     uuid.UUID      `gorm:"type:uuid;primaryKey" json:"run_id"`
	Document  datatypes.JSON `gorm:"column:document;not null" json:"document"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
}

func (ManifestRecord) TableName() string { return "manifest" }
