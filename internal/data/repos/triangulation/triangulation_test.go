package triangulation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos/testutil"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	tri "github.com/yungbote/codegraph-triangulation/internal/domain/triangulation"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
)

func TestCounterRepoCountsDistinctProviders(t *testing.T) {
	db := testutil.DB(t)
	repo := NewCounterRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	runID := uuid.New()

	n, err := repo.IncrementDistinct(dbc, runID, "h1", "analyze-file:a.go")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = repo.IncrementDistinct(dbc, runID, "h1", "analyze-file:a.go")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "redelivered provider must not advance the counter")

	n, err = repo.IncrementDistinct(dbc, runID, "h1", "resolve-global:all")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = repo.IncrementDistinct(dbc, runID, "h2", "resolve-global:all")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	all, err := repo.ListByRun(dbc, runID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"h1": 2, "h2": 1}, all)

	require.NoError(t, repo.DeleteByRun(dbc, runID))
	got, err := repo.Get(dbc, runID, "h1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, got)
}

func TestCandidateRepoScopes(t *testing.T) {
	db := testutil.DB(t)
	repo := NewCandidateRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	runID := uuid.New()

	rows := []*types.CandidateRelationship{
		{RunID: runID, RelationshipHash: "h1", SourceQName: "pkg/a.go::A", TargetQName: "pkg/b.go::B", Type: "RELATES_TO",
			SourceFile: "pkg/a.go", TargetFile: "pkg/b.go", SourceDir: "pkg", TargetDir: "pkg"},
		{RunID: runID, RelationshipHash: "h2", SourceQName: "pkg/b.go::B", TargetQName: "cmd/main.go::main", Type: "RELATES_TO",
			SourceFile: "pkg/b.go", TargetFile: "cmd/main.go", SourceDir: "pkg", TargetDir: "cmd"},
		{RunID: uuid.New(), RelationshipHash: "h3", SourceQName: "x::X", TargetQName: "y::Y", Type: "RELATES_TO",
			SourceFile: "pkg/a.go", TargetFile: "y", SourceDir: "pkg", TargetDir: "."},
	}
	require.NoError(t, repo.CreateCandidates(dbc, rows))
	// Re-inserting is a no-op.
	require.NoError(t, repo.CreateCandidates(dbc, rows[:1]))

	fileScope, err := repo.ListInScope(dbc, runID, ScopeFile, "pkg/a.go")
	require.NoError(t, err)
	require.Len(t, fileScope, 1)
	assert.Equal(t, "h1", fileScope[0].RelationshipHash)

	dirScope, err := repo.ListInScope(dbc, runID, ScopeDirectory, "cmd")
	require.NoError(t, err)
	require.Len(t, dirScope, 1)
	assert.Equal(t, "h2", dirScope[0].RelationshipHash)

	global, err := repo.ListInScope(dbc, runID, ScopeGlobal, "all")
	require.NoError(t, err)
	assert.Len(t, global, 2)

	n, err := repo.CountByRun(dbc, runID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestValidatedRepoUpsertKeepsCompleteVerdict(t *testing.T) {
	db := testutil.DB(t)
	repo := NewValidatedRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	runID := uuid.New()

	base := func(score float64, partial bool) *types.ValidatedRelationship {
		return &types.ValidatedRelationship{
			RunID: runID, RelationshipHash: "h1", SourceQName: "a::A", TargetQName: "b::B", Type: "RELATES_TO",
			Status: tri.ValidationStatusValidated, ConfidenceScore: score, Partial: partial, EvidenceCount: 2,
		}
	}

	require.NoError(t, repo.Upsert(dbc, base(0.5, true)))
	require.NoError(t, repo.Upsert(dbc, base(0.68, false)))
	got, err := repo.Get(dbc, runID, "h1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 0.68, got.ConfidenceScore, 1e-9)
	assert.False(t, got.Partial)

	// A late partial verdict does not overwrite the complete one.
	require.NoError(t, repo.Upsert(dbc, base(0.1, true)))
	got, err = repo.Get(dbc, runID, "h1")
	require.NoError(t, err)
	assert.InDelta(t, 0.68, got.ConfidenceScore, 1e-9)

	// Replaying the complete verdict is harmless.
	require.NoError(t, repo.Upsert(dbc, base(0.68, false)))
	hashes, err := repo.ListHashesByRun(dbc, runID)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, hashes)

	counts, err := repo.CountByRun(dbc, runID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Validated)
	assert.EqualValues(t, 0, counts.Partial)

	unsynced, err := repo.ListUnsynced(dbc, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	stale := unsynced[0].UpdatedAt.Add(-time.Second)
	require.NoError(t, repo.MarkSynced(dbc, runID, []string{"h1"}, stale, time.Now()))
	unsynced, err = repo.ListUnsynced(dbc, 10)
	require.NoError(t, err)
	assert.Len(t, unsynced, 1, "row written after the read stays unsynced")

	require.NoError(t, repo.MarkSynced(dbc, runID, []string{"h1"}, time.Now().Add(time.Second), time.Now()))
	unsynced, err = repo.ListUnsynced(dbc, 10)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestOutboxRepoDeliveryLifecycle(t *testing.T) {
	db := testutil.DB(t)
	repo := NewOutboxRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	ev := &types.OutboxEvent{RunID: uuid.New(), EventName: "evidence.pass_completed", Payload: []byte(`{"jobId":"x"}`)}
	require.NoError(t, repo.Create(dbc, ev))

	pending, err := repo.LockUndelivered(dbc, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.MarkFailed(dbc, ev.ID, "bus down"))
	n, err := repo.CountUndelivered(dbc)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, repo.MarkDelivered(dbc, ev.ID, time.Now()))
	n, err = repo.CountUndelivered(dbc)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestOutboxRepoDropsDuplicateDedupeKey(t *testing.T) {
	db := testutil.DB(t)
	repo := NewOutboxRepo(db, testutil.Logger(t))
	ctx := context.Background()
	runID := uuid.New()
	key := runID.String() + "/analyze-file:a.go"

	first := &types.OutboxEvent{RunID: runID, EventName: "evidence.pass_completed", Payload: []byte(`{}`), DedupeKey: &key}
	require.NoError(t, repo.Create(dbctx.Context{Ctx: ctx}, first))

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dup := &types.OutboxEvent{RunID: runID, EventName: "evidence.pass_completed", Payload: []byte(`{}`), DedupeKey: &key}
		if err := repo.Create(dbctx.Context{Ctx: ctx, Tx: tx}, dup); err != nil {
			return err
		}
		other := &types.OutboxEvent{RunID: runID, EventName: "evidence.pass_completed", Payload: []byte(`{}`)}
		return repo.Create(dbctx.Context{Ctx: ctx, Tx: tx}, other)
	})
	require.NoError(t, err, "a duplicate must not poison the enclosing transaction")

	n, err := repo.CountUndelivered(dbctx.Context{Ctx: ctx})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
