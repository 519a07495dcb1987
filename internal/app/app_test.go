package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobstatus "github.com/yungbote/codegraph-triangulation/internal/domain/jobs"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
)

func TestParseRoles(t *testing.T) {
	cases := []struct {
		in      string
		want    []Role
		wantErr bool
	}{
		{in: "api", want: []Role{RoleAPI}},
		{in: "worker, relay ,worker", want: []Role{RoleRelay, RoleWorker}},
		{in: "all", want: []Role{RoleAPI, RoleCoordinator, RoleGraph, RoleRelay, RoleSupervisor, RoleWorker}},
		{in: "ALL,api", want: []Role{RoleAPI, RoleCoordinator, RoleGraph, RoleRelay, RoleSupervisor, RoleWorker}},
		{in: "", wantErr: true},
		{in: "scheduler", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseRoles(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOverlayFillsUnsetKeysOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triangulation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env:
  SUPERVISOR_CRON: "@every 5s"
  WORKER_CONCURRENCY: 9
  OTEL_ENABLED: false
  SOURCE_EXTENSIONS: [".go", ".py"]
  HTTP_ADDR: ":9999"
`), 0o644))

	t.Setenv("HTTP_ADDR", ":7000")
	for _, k := range []string{"SUPERVISOR_CRON", "WORKER_CONCURRENCY", "OTEL_ENABLED", "SOURCE_EXTENSIONS"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	t.Setenv("TRIANGULATION_CONFIG", path)

	cfg, err := LoadConfig(logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTPAddr, "environment wins over overlay")
	assert.Equal(t, "@every 5s", cfg.Supervisor.Schedule)
	assert.Equal(t, 9, cfg.Worker.Concurrency)
	assert.Equal(t, []string{".go", ".py"}, cfg.Extensions)
}

func TestOverlayRejectsNestedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("env:\n  NESTED_OVERLAY_KEY:\n    a: b\n"), 0o644))
	t.Setenv("NESTED_OVERLAY_KEY", "")
	require.NoError(t, os.Unsetenv("NESTED_OVERLAY_KEY"))
	_, err := applyOverlay(path)
	assert.Error(t, err)
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	t.Setenv("TRIANGULATION_CONFIG", "")
	t.Setenv("BUS_BACKEND", "kafka")
	_, err := LoadConfig(logger.NewNop())
	assert.ErrorContains(t, err, "BUS_BACKEND")
}

func TestNeedsRedis(t *testing.T) {
	cfg := Config{StoreBackend: BackendPostgres, CounterBackend: BackendMemory, BusBackend: BackendMemory}
	assert.False(t, cfg.NeedsRedis())
	cfg.BusBackend = BackendRedis
	assert.True(t, cfg.NeedsRedis())
}

func localConfig(t *testing.T) Config {
	t.Helper()
	for _, k := range []string{"REDIS_ADDR", "NEO4J_URI", "OPENAI_API_KEY", "OTEL_ENABLED"} {
		t.Setenv(k, "")
	}
	return Config{
		HTTPAddr:       "127.0.0.1:0",
		DBBackend:      BackendSQLite,
		SQLitePath:     filepath.Join(t.TempDir(), "triangulation.db"),
		StoreBackend:   BackendPostgres,
		CounterBackend: BackendMemory,
		BusBackend:     BackendMemory,
		RunTimeout:     time.Hour,
		Extensions:     []string{".go"},
		MaxFileBytes:   1 << 20,

		MemoryBusMaxDeliveries:   3,
		MemoryBusRedeliveryDelay: 10 * time.Millisecond,
	}
}

func TestNewWiresLocalStack(t *testing.T) {
	ctx := context.Background()
	a, err := NewWithConfig(ctx, logger.NewNop(), localConfig(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.Nil(t, a.Clients.Redis)
	assert.Nil(t, a.Clients.Neo4j)
	assert.Nil(t, a.Clients.Temporal)
	assert.Nil(t, a.Clients.Model, "no credentials means degraded producers")
	assert.NotNil(t, a.Services.Worker)
	assert.Nil(t, a.Services.TemporalRunner)
	assert.False(t, a.Services.GraphSyncer.Enabled())
	assert.ElementsMatch(t,
		[]string{evidence.JobTypeAnalyzeFile, evidence.JobTypeResolveDirectory, evidence.JobTypeResolveGlobal, evidence.JobTypeReconcile},
		a.Services.Registry.Types())
}

func TestNewFailsWhenRedisBackendHasNoAddress(t *testing.T) {
	cfg := localConfig(t)
	cfg.CounterBackend = BackendRedis
	_, err := NewWithConfig(context.Background(), logger.NewNop(), cfg)
	assert.ErrorContains(t, err, "REDIS_ADDR")
}

func TestPlanQueuesProducerJobs(t *testing.T) {
	ctx := context.Background()
	a, err := NewWithConfig(ctx, logger.NewNop(), localConfig(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "svc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "svc", "a.go"),
		[]byte("package svc\n\nfunc Alpha() {\n\tBeta()\n}\n\nfunc Beta() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# skipped\n"), 0o644))

	run, plan, err := a.Plan(ctx, root)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.NotEmpty(t, plan.Manifest.Hashes())

	jobs, err := a.Repos.JobRun.ListByRun(dbctx.Context{Ctx: ctx}, run.ID, []string{jobstatus.StatusQueued})
	require.NoError(t, err)
	keys := make([]string, 0, len(jobs))
	for _, j := range jobs {
		keys = append(keys, j.JobKey)
	}
	assert.ElementsMatch(t, []string{"analyze-file:svc/a.go", "resolve-directory:svc", "resolve-global:all"}, keys)
}
