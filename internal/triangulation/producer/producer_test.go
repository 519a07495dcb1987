package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	jobstatus "github.com/yungbote/codegraph-triangulation/internal/domain/jobs"
	"github.com/yungbote/codegraph-triangulation/internal/jobs/runtime"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/httpx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/openai"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/fallback"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/llmpolicy"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/modeladapter"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/scoring"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/tritest"
)

var sourceFiles = map[string]string{
	"svc/a.go": "package svc\n\nfunc Alpha() {\n\tBeta()\n}\n\nfunc Beta() {}\n",
	"svc/b.go": "package svc\n\nfunc Gamma() {}\n",
}

var hashLine = regexp.MustCompile(`relationshipHash=([0-9a-f]{64})`)

type fakeModel struct {
	calls   atomic.Int32
	respond func(hashes []string) (json.RawMessage, error)
}

func (m *fakeModel) Model() string { return "fake" }

func (m *fakeModel) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (json.RawMessage, error) {
	m.calls.Add(1)
	var hashes []string
	for _, match := range hashLine.FindAllStringSubmatch(user, -1) {
		hashes = append(hashes, match[1])
	}
	return m.respond(hashes)
}

func verdicts(hashes []string, found bool, confidence float64) json.RawMessage {
	parts := make([]string, 0, len(hashes))
	for _, h := range hashes {
		parts = append(parts, fmt.Sprintf(`{"relationshipHash":%q,"found":%t,"confidence":%g,"proposedType":"calls","rationale":""}`, h, found, confidence))
	}
	return json.RawMessage(`{"relationships":[` + strings.Join(parts, ",") + `]}`)
}

type fixture struct {
	h     *tritest.Harness
	run   *types.Run
	reg   *runtime.Registry
	model *fakeModel
}

func newFixture(t *testing.T, model *fakeModel, cfg Config) *fixture {
	t.Helper()
	h := tritest.New(t)
	run, _ := h.Plan(t, sourceFiles)

	reader := NewMapReader()
	for p, c := range sourceFiles {
		reader.Put(run.Root, p, []byte(c))
	}
	deps := Deps{
		DB:         h.DB,
		Log:        h.Log,
		Runs:       h.Runs,
		Candidates: h.Candidates,
		Findings:   h.Findings,
		Outbox:     h.Outbox,
		Policy: llmpolicy.New(h.Log, llmpolicy.Config{
			MaxRetries:       1,
			InitialInterval:  time.Millisecond,
			MaxInterval:      time.Millisecond,
			BreakerThreshold: 100,
		}),
		Adapter:  modeladapter.New(h.Log),
		Fallback: fallback.New(h.Log),
		Reader:   reader,
	}
	if model != nil {
		deps.Model = model
	}
	reg := runtime.NewRegistry()
	require.NoError(t, Register(reg, NewAnalyzer(deps, cfg)))
	return &fixture{h: h, run: run, reg: reg, model: model}
}

func (f *fixture) runJob(t *testing.T, key string) (*types.JobRun, []*types.Finding) {
	t.Helper()
	job := f.h.Job(t, f.run.ID, key)
	f.h.Execute(t, f.reg, job, 5)
	rows, err := f.h.Findings.ListByJob(dbctx.Context{Ctx: context.Background()}, f.run.ID, key)
	require.NoError(t, err)
	return job, rows
}

func (f *fixture) scopeCount(t *testing.T, kind, scope string) int {
	t.Helper()
	cands, err := f.h.Candidates.ListInScope(dbctx.Context{Ctx: context.Background()}, f.run.ID, kind, scope)
	require.NoError(t, err)
	return len(cands)
}

func TestFileAnalyzerWritesOneFindingPerCandidateAndOutboxRow(t *testing.T) {
	model := &fakeModel{respond: func(hashes []string) (json.RawMessage, error) {
		return verdicts(hashes, true, 0.9), nil
	}}
	f := newFixture(t, model, Config{})

	key := evidence.JobID(evidence.PassFile, "svc/b.go")
	job, rows := f.runJob(t, key)
	assert.Equal(t, jobstatus.StatusSucceeded, job.Status)

	want := f.scopeCount(t, "file", "svc/b.go")
	require.Equal(t, 4, want)
	require.Len(t, rows, want)
	seen := map[string]bool{}
	for _, r := range rows {
		assert.False(t, seen[r.RelationshipHash], "one finding per candidate")
		seen[r.RelationshipHash] = true
		assert.True(t, r.FoundRelationship)
		assert.InDelta(t, 0.9, r.InitialScore, 1e-9)
		assert.Equal(t, "file", r.SourceWorker)
		assert.Equal(t, "CALLS", r.ProposedType)
		assert.False(t, r.Degraded)
	}

	events, err := f.h.Outbox.LockUndelivered(dbctx.Context{Ctx: context.Background()}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, evidence.EventPassCompleted, events[0].EventName)
	var summary evidence.PassCompleted
	require.NoError(t, json.Unmarshal(events[0].Payload, &summary))
	assert.Equal(t, evidence.PassCompleted{RunID: f.run.ID.String(), JobID: key, Source: evidence.PassFile, FindingCount: 4}, summary)
}

func TestRedeliveredJobCommitsOnce(t *testing.T) {
	model := &fakeModel{respond: func(hashes []string) (json.RawMessage, error) {
		return verdicts(hashes, true, 0.9), nil
	}}
	f := newFixture(t, model, Config{})
	ctx := context.Background()

	key := evidence.JobID(evidence.PassFile, "svc/b.go")
	_, first := f.runJob(t, key)
	require.NotEmpty(t, first)

	job, second := f.runJob(t, key)
	assert.Equal(t, jobstatus.StatusSucceeded, job.Status)
	assert.Len(t, second, len(first), "rerun adds no findings")

	n, err := f.h.Outbox.CountUndelivered(dbctx.Context{Ctx: ctx})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "rerun adds no outbox row")
}

func TestUnansweredCandidatesAreUnconfirmed(t *testing.T) {
	model := &fakeModel{respond: func(hashes []string) (json.RawMessage, error) {
		return verdicts(hashes[:1], true, 0.7), nil
	}}
	f := newFixture(t, model, Config{})

	_, rows := f.runJob(t, evidence.JobID(evidence.PassDirectory, "svc"))
	require.Len(t, rows, 6)
	found := 0
	for _, r := range rows {
		if r.FoundRelationship {
			found++
			continue
		}
		assert.Equal(t, scoring.NotConfirmedScore, r.InitialScore)
	}
	assert.Equal(t, 1, found)
}

func TestUnparseableOutputFallsBackToDegradedFindings(t *testing.T) {
	model := &fakeModel{respond: func(hashes []string) (json.RawMessage, error) {
		return json.RawMessage(`I think Alpha calls Beta.`), nil
	}}
	f := newFixture(t, model, Config{})

	job, rows := f.runJob(t, evidence.JobID(evidence.PassFile, "svc/a.go"))
	assert.Equal(t, jobstatus.StatusSucceeded, job.Status)
	require.Len(t, rows, 6)
	found := 0
	for _, r := range rows {
		assert.True(t, r.Degraded)
		if r.FoundRelationship {
			found++
			assert.Equal(t, scoring.FallbackScore, r.InitialScore)
		} else {
			assert.Equal(t, scoring.NotConfirmedScore, r.InitialScore)
		}
	}
	assert.Equal(t, 1, found, "only Alpha -> Beta is visible syntactically")
}

func TestNoModelConfiguredUsesFallback(t *testing.T) {
	f := newFixture(t, nil, Config{})
	_, rows := f.runJob(t, evidence.JobID(evidence.PassGlobal, evidence.GlobalScope))
	require.Len(t, rows, 6)
	for _, r := range rows {
		assert.True(t, r.Degraded)
	}
}

func TestGlobalPassIsBatched(t *testing.T) {
	model := &fakeModel{respond: func(hashes []string) (json.RawMessage, error) {
		if len(hashes) > 2 {
			return nil, fmt.Errorf("batch too large: %d", len(hashes))
		}
		return verdicts(hashes, false, 0.2), nil
	}}
	f := newFixture(t, model, Config{BatchSize: 2})

	job, rows := f.runJob(t, evidence.JobID(evidence.PassGlobal, evidence.GlobalScope))
	assert.Equal(t, jobstatus.StatusSucceeded, job.Status)
	assert.Len(t, rows, 6)
	assert.EqualValues(t, 3, model.calls.Load())
	for _, r := range rows {
		assert.False(t, r.Degraded)
	}
}

func TestExhaustedRetryBudgetQuarantines(t *testing.T) {
	model := &fakeModel{respond: func(hashes []string) (json.RawMessage, error) {
		return nil, &httpx.StatusError{StatusCode: http.StatusServiceUnavailable}
	}}
	f := newFixture(t, model, Config{})

	key := evidence.JobID(evidence.PassFile, "svc/b.go")
	job, rows := f.runJob(t, key)
	assert.Equal(t, jobstatus.StatusQuarantined, job.Status)
	assert.Empty(t, rows, "failed pass writes nothing")
	assert.EqualValues(t, 2, model.calls.Load())

	n, err := f.h.Outbox.CountUndelivered(dbctx.Context{Ctx: context.Background()})
	require.NoError(t, err)
	assert.Zero(t, n)

	dead, err := f.h.JobService.ListDeadLetters(dbctx.Context{Ctx: context.Background()}, f.run.ID)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, key, dead[0].JobKey)
}

var _ openai.Client = (*fakeModel)(nil)
