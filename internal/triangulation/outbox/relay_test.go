package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/eventbus"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/tritest"
)

type recordingBus struct {
	fail      error
	published []evidence.Event
}

func (b *recordingBus) Publish(_ context.Context, ev evidence.Event) error {
	if b.fail != nil {
		return b.fail
	}
	b.published = append(b.published, ev)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, string, eventbus.Handler) error {
	return nil
}

func (b *recordingBus) Close() error { return nil }

func seedPass(t *testing.T, h *tritest.Harness, runID uuid.UUID, jobID string, hashes ...string) {
	t.Helper()
	dbc := dbctx.Context{Ctx: context.Background()}
	rows := make([]*types.Finding, 0, len(hashes))
	for _, hash := range hashes {
		rows = append(rows, &types.Finding{
			RunID:             runID,
			JobID:             jobID,
			RelationshipHash:  hash,
			SourceWorker:      string(evidence.PassOfJobID(jobID)),
			FoundRelationship: true,
			InitialScore:      0.8,
			RawModelOutput:    datatypes.JSON(`{"found":true}`),
		})
	}
	_, err := h.Findings.Append(dbc, rows)
	require.NoError(t, err)
	payload, err := json.Marshal(evidence.PassCompleted{
		RunID:        runID.String(),
		JobID:        jobID,
		Source:       evidence.PassOfJobID(jobID),
		FindingCount: len(rows),
	})
	require.NoError(t, err)
	require.NoError(t, h.Outbox.Create(dbc, &types.OutboxEvent{
		RunID:     runID,
		EventName: evidence.EventPassCompleted,
		Payload:   datatypes.JSON(payload),
	}))
}

func undelivered(t *testing.T, h *tritest.Harness) int64 {
	t.Helper()
	n, err := h.Outbox.CountUndelivered(dbctx.Context{Ctx: context.Background()})
	require.NoError(t, err)
	return n
}

func TestDrainPublishesHydratedEventsAndMarksDelivered(t *testing.T) {
	h := tritest.New(t)
	runID := uuid.New()
	seedPass(t, h, runID, "analyze-file:a.go", "h1", "h2")
	seedPass(t, h, runID, "resolve-global:all", "h1")

	bus := &recordingBus{}
	relay := NewRelay(h.DB, h.Log, h.Outbox, h.Findings, bus, Config{BatchSize: 1})
	require.NoError(t, relay.Drain(context.Background()))

	require.Len(t, bus.published, 2)
	byJob := map[string]evidence.Event{}
	for _, ev := range bus.published {
		byJob[ev.JobID] = ev
	}
	file := byJob["analyze-file:a.go"]
	assert.Equal(t, runID.String(), file.RunID)
	assert.Equal(t, evidence.PassFile, file.SourceWorker)
	require.Len(t, file.Findings, 2)
	assert.Equal(t, "h1", file.Findings[0].RelationshipHash)
	assert.Equal(t, evidence.PassFile, file.Findings[0].SourceWorker)
	assert.JSONEq(t, `{"found":true}`, string(file.Findings[0].RawModelOutput))
	assert.Len(t, byJob["resolve-global:all"].Findings, 1)

	assert.Zero(t, undelivered(t, h))

	n, err := relay.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "delivered rows are not relayed again")
}

func TestPublishFailureLeavesRowUndelivered(t *testing.T) {
	h := tritest.New(t)
	runID := uuid.New()
	seedPass(t, h, runID, "analyze-file:a.go", "h1")

	bus := &recordingBus{fail: errors.New("stream unavailable")}
	relay := NewRelay(h.DB, h.Log, h.Outbox, h.Findings, bus, Config{})
	err := relay.Drain(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 1, undelivered(t, h))

	rows, err := h.Outbox.LockUndelivered(dbctx.Context{Ctx: context.Background()}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Contains(t, rows[0].LastError, "stream unavailable")

	bus.fail = nil
	require.NoError(t, relay.Drain(context.Background()))
	assert.Zero(t, undelivered(t, h))
	assert.Len(t, bus.published, 1)
}

func TestUndecodableRowDoesNotBlockOthers(t *testing.T) {
	h := tritest.New(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	runID := uuid.New()
	require.NoError(t, h.Outbox.Create(dbc, &types.OutboxEvent{
		RunID:     runID,
		EventName: evidence.EventPassCompleted,
		Payload:   datatypes.JSON(`{"runId":"not-a-uuid"}`),
	}))
	seedPass(t, h, runID, "analyze-file:a.go", "h1")

	bus := &recordingBus{}
	relay := NewRelay(h.DB, h.Log, h.Outbox, h.Findings, bus, Config{})
	require.NoError(t, relay.Drain(context.Background()))
	assert.Len(t, bus.published, 1)
	assert.EqualValues(t, 1, undelivered(t, h))
}

func TestUndecodableRowIsDeadLetteredAfterMaxAttempts(t *testing.T) {
	h := tritest.New(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	runID := uuid.New()
	require.NoError(t, h.Outbox.Create(dbc, &types.OutboxEvent{
		RunID:     runID,
		EventName: "evidence.unknown",
		Payload:   datatypes.JSON(`{}`),
	}))

	relay := NewRelay(h.DB, h.Log, h.Outbox, h.Findings, &recordingBus{}, Config{MaxAttempts: 2})
	for i := 0; i < 2; i++ {
		_, err := relay.Tick(context.Background())
		require.NoError(t, err)
	}
	assert.Zero(t, undelivered(t, h))

	dead, err := h.Outbox.ListDead(dbc, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "unknown event")

	rows, err := h.Outbox.LockUndelivered(dbc, 10)
	require.NoError(t, err)
	assert.Empty(t, rows, "dead rows are not picked up again")
}

func TestRelayFeedsMemoryBus(t *testing.T) {
	h := tritest.New(t)
	runID := uuid.New()
	seedPass(t, h, runID, "resolve-directory:svc", "h1", "h2", "h3")

	bus := eventbus.NewMemoryBus(h.Log, 3, 0)
	relay := NewRelay(h.DB, h.Log, h.Outbox, h.Findings, bus, Config{})
	require.NoError(t, relay.Drain(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan evidence.Event, 1)
	go func() {
		_ = bus.Subscribe(ctx, "test", "c", func(_ context.Context, ev evidence.Event) error {
			got <- ev
			cancel()
			return nil
		})
	}()
	ev := <-got
	assert.Equal(t, "resolve-directory:svc", ev.JobID)
	assert.Len(t, ev.Findings, 3)
}
