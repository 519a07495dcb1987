package triangulation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const ValidationStatusValidated = "VALIDATED"

type ValidatedRelationship struct {
	RunID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"run_id"`
	RelationshipHash string     `gorm:"column:relationship_hash;primaryKey" json:"relationship_hash"`
	SourceQName      string     `gorm:"column:source_qname;not null" json:"source_qualified_name"`
	TargetQName      string     `gorm:"column:target_qname;not null" json:"target_qualified_name"`
	Type             string     `gorm:"column:type;not null" json:"type"`
	ProposedType     string     `gorm:"column:proposed_type" json:"proposed_type,omitempty"`
	Status           string     `gorm:"column:status;not null;index" json:"status"`
	ConfidenceScore  float64    `gorm:"column:confidence_score;not null" json:"confidence_score"`
	HasConflict      bool       `gorm:"column:has_conflict;not null;default:false" json:"has_conflict"`
	Partial          bool       `gorm:"column:partial;not null;default:false" json:"partial"`
	EvidenceCount    int        `gorm:"column:evidence_count;not null" json:"evidence_count"`
	SyncedAt         *time.Time `gorm:"column:synced_at;index" json:"synced_at,omitempty"`
	CreatedAt        time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"not null" json:"updated_at"`
}

func (ValidatedRelationship) TableName() string { return "validated_relationship" }

// ValidatedEvidence is the audit copy of the evidence a verdict was built from.
// It survives teardown of the working evidence log.
type ValidatedEvidence struct {
	RunID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"run_id"`
	RelationshipHash  string         `gorm:"column:relationship_hash;primaryKey" json:"relationship_hash"`
	JobID             string         `gorm:"column:job_id;primaryKey" json:"job_id"`
	SourceWorker      string         `gorm:"column:source_worker;not null" json:"source_worker"`
	FoundRelationship bool           `gorm:"column:found_relationship;not null" json:"found_relationship"`
	InitialScore      float64        `gorm:"column:initial_score;not null" json:"initial_score"`
	Degraded          bool           `gorm:"column:degraded;not null;default:false" json:"degraded"`
	RawModelOutput    datatypes.JSON `gorm:"column:raw_model_output" json:"raw_model_output,omitempty"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
}

func (ValidatedEvidence) TableName() string { return "validated_evidence" }

type ConflictReport struct {
	RunID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"run_id"`
	RelationshipHash string         `gorm:"column:relationship_hash;primaryKey" json:"relationship_hash"`
	Agreements       int            `gorm:"column:agreements;not null" json:"agreements"`
	Disagreements    int            `gorm:"column:disagreements;not null" json:"disagreements"`
	FinalScore       float64        `gorm:"column:final_score;not null" json:"final_score"`
	Evidence         datatypes.JSON `gorm:"column:evidence;not null" json:"evidence"`
	CreatedAt        time.Time      `gorm:"not null" json:"created_at"`
}

func (ConflictReport) TableName() string { return "conflict_report" }
