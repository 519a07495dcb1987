package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

type Repos struct {
	JobRun    repos.JobRunRepo
	Run       repos.RunRepo
	Manifest  repos.ManifestRepo
	Candidate repos.CandidateRepo
	Finding   repos.FindingRepo
	Outbox    repos.OutboxRepo
	Evidence  repos.EvidenceRepo
	Counter   repos.CounterRepo
	Validated repos.ValidatedRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		JobRun:    repos.NewJobRunRepo(db, log),
		Run:       repos.NewRunRepo(db, log),
		Manifest:  repos.NewManifestRepo(db, log),
		Candidate: repos.NewCandidateRepo(db, log),
		Finding:   repos.NewFindingRepo(db, log),
		Outbox:    repos.NewOutboxRepo(db, log),
		Evidence:  repos.NewEvidenceRepo(db, log),
		Counter:   repos.NewCounterRepo(db, log),
		Validated: repos.NewValidatedRepo(db, log),
	}
}
