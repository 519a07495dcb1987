package triangulation

import (
	"time"

	"github.com/google/uuid"
)

// PointOfInterest is a preliminary entity found by the shallow manifest scan.
type PointOfInterest struct {
	RunID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"run_id"`
	QualifiedName string    `gorm:"column:qualified_name;primaryKey" json:"qualified_name"`
	Name          string    `gorm:"column:name;not null" json:"name"`
	Type          string    `gorm:"column:type;not null" json:"type"`
	FilePath      string    `gorm:"column:file_path;not null;index" json:"file_path"`
	Directory     string    `gorm:"column:directory;not null;index" json:"directory"`
	Line          int       `gorm:"column:line" json:"line"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
}

func (PointOfInterest) TableName() string { return "point_of_interest" }

// CandidateRelationship is one directed edge the manifest expects evidence for.
type CandidateRelationship struct {
	RunID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"run_id"`
	RelationshipHash string    `gorm:"column:relationship_hash;primaryKey" json:"relationship_hash"`
	SourceQName      string    `gorm:"column:source_qname;not null" json:"source_qualified_name"`
	TargetQName      string    `gorm:"column:target_qname;not null" json:"target_qualified_name"`
	Type             string    `gorm:"column:type;not null" json:"type"`
	SourceFile       string    `gorm:"column:source_file;not null;index" json:"source_file"`
	TargetFile       string    `gorm:"column:target_file;not null;index" json:"target_file"`
	SourceDir        string    `gorm:"column:source_dir;not null;index" json:"source_dir"`
	TargetDir        string    `gorm:"column:target_dir;not null;index" json:"target_dir"`
	CreatedAt        time.Time `gorm:"not null" json:"created_at"`
}

func (CandidateRelationship) TableName() string { return "candidate_relationship" }
