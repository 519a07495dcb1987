package repos

import (
	"github.com/yungbote/codegraph-triangulation/internal/data/repos/jobs"
	"github.com/yungbote/codegraph-triangulation/internal/data/repos/triangulation"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"gorm.io/gorm"
)

type JobRunRepo = jobs.JobRunRepo

type RunRepo = triangulation.RunRepo
type ManifestRepo = triangulation.ManifestRepo
type CandidateRepo = triangulation.CandidateRepo
type FindingRepo = triangulation.FindingRepo
type OutboxRepo = triangulation.OutboxRepo
type EvidenceRepo = triangulation.EvidenceRepo
type CounterRepo = triangulation.CounterRepo
type ValidatedRepo = triangulation.ValidatedRepo

func NewJobRunRepo(db *gorm.DB, log *logger.Logger) JobRunRepo { return jobs.NewJobRunRepo(db, log) }

func NewRunRepo(db *gorm.DB, log *logger.Logger) RunRepo { return triangulation.NewRunRepo(db, log) }
func NewManifestRepo(db *gorm.DB, log *logger.Logger) ManifestRepo {
	return triangulation.NewManifestRepo(db, log)
}
func NewCandidateRepo(db *gorm.DB, log *logger.Logger) CandidateRepo {
	return triangulation.NewCandidateRepo(db, log)
}
func NewFindingRepo(db *gorm.DB, log *logger.Logger) FindingRepo {
	return triangulation.NewFindingRepo(db, log)
}
func NewOutboxRepo(db *gorm.DB, log *logger.Logger) OutboxRepo {
	return triangulation.NewOutboxRepo(db, log)
}
func NewEvidenceRepo(db *gorm.DB, log *logger.Logger) EvidenceRepo {
	return triangulation.NewEvidenceRepo(db, log)
}
func NewCounterRepo(db *gorm.DB, log *logger.Logger) CounterRepo {
	return triangulation.NewCounterRepo(db, log)
}
func NewValidatedRepo(db *gorm.DB, log *logger.Logger) ValidatedRepo {
	return triangulation.NewValidatedRepo(db, log)
}
