package domain

import (
	"github.com/yungbote/codegraph-triangulation/internal/domain/jobs"
	"github.com/yungbote/codegraph-triangulation/internal/domain/triangulation"
)

type (
	JobRun = jobs.JobRun

	Run                   = triangulation.Run
	ManifestRecord        = triangulation.ManifestRecord
	PointOfInterest       = triangulation.PointOfInterest
	CandidateRelationship = triangulation.CandidateRelationship
	Finding               = triangulation.Finding
	OutboxEvent           = triangulation.OutboxEvent
	RelationshipEvidence  = triangulation.RelationshipEvidence
	EvidenceCounter       = triangulation.EvidenceCounter
	EvidenceProvider      = triangulation.EvidenceProvider
	ValidatedRelationship = triangulation.ValidatedRelationship
	ValidatedEvidence     = triangulation.ValidatedEvidence
	ConflictReport        = triangulation.ConflictReport
)
