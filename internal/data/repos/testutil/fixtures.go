package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	tri "github.com/yungbote/codegraph-triangulation/internal/domain/triangulation"
)

func SeedRun(tb testing.TB, ctx context.Context, tx *gorm.DB, status string) *types.Run {
	tb.Helper()
	if status == "" {
		status = tri.RunStatusAnalyzing
	}
	now := time.Now()
	r := &types.Run{
		ID:        uuid.New(),
		Root:      "mem://" + tb.Name(),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(r).Error; err != nil {
		tb.Fatalf("seed run: %v", err)
	}
	return r
}

func SeedCandidate(tb testing.TB, ctx context.Context, tx *gorm.DB, runID uuid.UUID, hash, source, target string) *types.CandidateRelationship {
	tb.Helper()
	c := &types.CandidateRelationship{
		RunID:            runID,
		RelationshipHash: hash,
		SourceQName:      source,
		TargetQName:      target,
		Type:             "RELATES_TO",
		SourceFile:       "src/a.go",
		TargetFile:       "src/b.go",
		SourceDir:        "src",
		TargetDir:        "src",
		CreatedAt:        time.Now(),
	}
	if err := tx.WithContext(ctx).Create(c).Error; err != nil {
		tb.Fatalf("seed candidate: %v", err)
	}
	return c
}

// SeedEvidence appends one counted evidence row.
func SeedEvidence(tb testing.TB, ctx context.Context, tx *gorm.DB, runID uuid.UUID, hash, jobID, worker string, found bool, score float64) *types.RelationshipEvidence {
	tb.Helper()
	e := &types.RelationshipEvidence{
		RunID:             runID,
		RelationshipHash:  hash,
		JobID:             jobID,
		SourceWorker:      worker,
		FoundRelationship: found,
		InitialScore:      score,
		Counted:           true,
		RawModelOutput:    datatypes.JSON([]byte(`{}`)),
		CreatedAt:         time.Now(),
	}
	if err := tx.WithContext(ctx).Create(e).Error; err != nil {
		tb.Fatalf("seed evidence: %v", err)
	}
	return e
}

func PtrTime(v time.Time) *time.Time { return &v }
