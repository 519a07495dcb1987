package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StatusQueued      = "queued"
	StatusRunning     = "running"
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusQuarantined = "quarantined"
)

// JobRun is one durable unit of work. JobKey is derived from (job type, scope)
// so enqueuing the same work twice within a run is a no-op.
type JobRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RunID       uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_job_run_run_key,priority:1;index" json:"run_id"`
	JobKey      string         `gorm:"column:job_key;not null;uniqueIndex:idx_job_run_run_key,priority:2" json:"job_key"`
	JobType     string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Scope       string         `gorm:"column:scope;not null" json:"scope"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	Stage       string         `gorm:"column:stage;not null;default:''" json:"stage"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`
	Payload     datatypes.JSON `gorm:"column:payload" json:"payload"`
	Result      datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
}

func (JobRun) TableName() string { return "job_run" }

func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusQuarantined:
		return true
	default:
		return false
	}
}
