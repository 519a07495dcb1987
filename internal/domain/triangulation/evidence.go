package triangulation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Finding is a producer's per-relationship verdict, written in the same
// transaction as its outbox row.
type Finding struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RunID             uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_finding_run_job_hash,priority:1" json:"run_id"`
	JobID             string         `gorm:"column:job_id;not null;uniqueIndex:idx_finding_run_job_hash,priority:2" json:"job_id"`
	RelationshipHash  string         `gorm:"column:relationship_hash;not null;uniqueIndex:idx_finding_run_job_hash,priority:3;index" json:"relationship_hash"`
	SourceWorker      string         `gorm:"column:source_worker;not null" json:"source_worker"`
	FoundRelationship bool           `gorm:"column:found_relationship;not null" json:"found_relationship"`
	InitialScore      float64        `gorm:"column:initial_score;not null" json:"initial_score"`
	ProposedType      string         `gorm:"column:proposed_type" json:"proposed_type,omitempty"`
	Degraded          bool           `gorm:"column:degraded;not null;default:false" json:"degraded"`
	RawModelOutput    datatypes.JSON `gorm:"column:raw_model_output" json:"raw_model_output,omitempty"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
}

func (Finding) TableName() string { return "finding" }

// OutboxEvent is a pending bus publication.
type OutboxEvent struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RunID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"run_id"`
	EventName   string         `gorm:"column:event_name;not null" json:"event_name"`
	// DedupeKey, when set, admits one event per key.
	DedupeKey   *string        `gorm:"column:dedupe_key;uniqueIndex" json:"dedupe_key,omitempty"`
	Payload     datatypes.JSON `gorm:"column:payload;not null" json:"payload"`
	Delivered   bool           `gorm:"column:delivered;not null;default:false;index" json:"delivered"`
	DeliveredAt *time.Time     `gorm:"column:delivered_at" json:"delivered_at,omitempty"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError   string         `gorm:"column:last_error" json:"last_error,omitempty"`
	// DeadAt is set once the relay stops retrying the row.
	DeadAt      *time.Time     `gorm:"column:dead_at;index" json:"dead_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
}

func (OutboxEvent) TableName() string { return "outbox_event" }

// RelationshipEvidence is the coordinator's append-only log keyed by
// (run, hash, job); a redelivered event cannot add a second row.
type RelationshipEvidence struct {
	RunID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"run_id"`
	RelationshipHash  string         `gorm:"column:relationship_hash;primaryKey" json:"relationship_hash"`
	JobID             string         `gorm:"column:job_id;primaryKey" json:"job_id"`
	SourceWorker      string         `gorm:"column:source_worker;not null" json:"source_worker"`
	FoundRelationship bool           `gorm:"column:found_relationship;not null" json:"found_relationship"`
	InitialScore      float64        `gorm:"column:initial_score;not null" json:"initial_score"`
	ProposedType      string         `gorm:"column:proposed_type" json:"proposed_type,omitempty"`
	Degraded          bool           `gorm:"column:degraded;not null;default:false" json:"degraded"`
	Counted           bool           `gorm:"column:counted;not null" json:"counted"`
	RawModelOutput    datatypes.JSON `gorm:"column:raw_model_output" json:"raw_model_output,omitempty"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
}

func (RelationshipEvidence) TableName() string { return "relationship_evidence" }

// EvidenceCounter is the durable twin of the Redis counter.
type EvidenceCounter struct {
	RunID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"run_id"`
	RelationshipHash string    `gorm:"column:relationship_hash;primaryKey" json:"relationship_hash"`
	Count            int64     `gorm:"column:count;not null;default:0" json:"count"`
	UpdatedAt        time.Time `gorm:"not null" json:"updated_at"`
}

func (EvidenceCounter) TableName() string { return "evidence_counter" }

type EvidenceProvider struct {
	RunID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"run_id"`
	RelationshipHash string    `gorm:"column:relationship_hash;primaryKey" json:"relationship_hash"`
	JobID            string    `gorm:"column:job_id;primaryKey" json:"job_id"`
	CreatedAt        time.Time `gorm:"not null" json:"created_at"`
}

func (EvidenceProvider) TableName() string { return "evidence_provider" }
