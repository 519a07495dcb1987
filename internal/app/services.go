package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/codegraph-triangulation/internal/data/graph"
	"github.com/yungbote/codegraph-triangulation/internal/jobs/runtime"
	jobworker "github.com/yungbote/codegraph-triangulation/internal/jobs/worker"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/services"
	"github.com/yungbote/codegraph-triangulation/internal/temporalx/temporalworker"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/coordinator"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/eventbus"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/fallback"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/llmpolicy"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/manifest"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/modeladapter"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/outbox"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/producer"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/reconcile"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/supervisor"
)

type Services struct {
	Notify    services.JobNotifier
	Jobs      services.JobService
	Manifests manifest.Store
	Counters  coordinator.CounterStore
	Bus       eventbus.Bus
	Planner   *manifest.Planner
	Registry  *runtime.Registry

	Coordinator *coordinator.Coordinator
	Supervisor  *supervisor.Supervisor
	Relay       *outbox.Relay
	GraphSyncer *graph.Syncer

	// Exactly one of these executes jobs.
	Worker         *jobworker.Worker
	TemporalRunner *temporalworker.Runner
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, clients Clients, reposet Repos) (Services, error) {
	log.Info("Wiring services...")
	var out Services

	// Jobs
	if clients.Redis != nil {
		out.Notify = services.NewRedisJobNotifier(log, clients.Redis)
	} else {
		out.Notify = services.NewLogJobNotifier(log)
	}
	out.Jobs = services.NewJobService(db, log, reposet.JobRun, out.Notify, clients.Temporal, cfg.Temporal.TaskQueue)

	// Backends
	switch cfg.StoreBackend {
	case BackendRedis:
		out.Manifests = manifest.NewRedisStore(clients.Redis, cfg.ManifestTTL)
	case BackendMemory:
		out.Manifests = manifest.NewMemoryStore()
	default:
		out.Manifests = manifest.NewRepoStore(reposet.Manifest)
	}
	switch cfg.CounterBackend {
	case BackendRedis:
		out.Counters = coordinator.NewRedisCounter(clients.Redis, cfg.CounterTTL)
	case BackendMemory:
		out.Counters = coordinator.NewMemoryCounter()
	default:
		out.Counters = coordinator.NewRepoCounter(reposet.Counter)
	}
	switch cfg.BusBackend {
	case BackendRedis:
		bus, err := eventbus.NewRedisBus(log, clients.Redis, cfg.RedisBus)
		if err != nil {
			return Services{}, fmt.Errorf("init evidence bus: %w", err)
		}
		out.Bus = bus
	default:
		out.Bus = eventbus.NewMemoryBus(log, cfg.MemoryBusMaxDeliveries, cfg.MemoryBusRedeliveryDelay)
	}

	// Planning
	generator := manifest.NewGenerator(log, manifest.NewScanner(), manifest.GeneratorConfig{MaxEntities: cfg.MaxEntities})
	walker := manifest.NewWalker(cfg.Extensions, cfg.MaxFileBytes)
	out.Planner = manifest.NewPlanner(db, log, reposet.Run, reposet.Candidate, out.Manifests, out.Jobs, generator, walker, cfg.RunTimeout)

	// Job handlers
	analyzer := producer.NewAnalyzer(producer.Deps{
		DB:         db,
		Log:        log,
		Runs:       reposet.Run,
		Candidates: reposet.Candidate,
		Findings:   reposet.Finding,
		Outbox:     reposet.Outbox,
		Model:      clients.Model,
		Policy:     llmpolicy.New(log, cfg.LLM),
		Adapter:    modeladapter.New(log),
		Fallback:   fallback.New(log),
		Reader:     producer.NewFSReader(cfg.MaxFileBytes),
	}, cfg.Producer)
	out.Registry = runtime.NewRegistry()
	if err := producer.Register(out.Registry, analyzer); err != nil {
		return Services{}, fmt.Errorf("register producers: %w", err)
	}
	if err := out.Registry.Register(reconcile.New(reconcile.Deps{
		DB:         db,
		Log:        log,
		Evidence:   reposet.Evidence,
		Candidates: reposet.Candidate,
		Validated:  reposet.Validated,
	})); err != nil {
		return Services{}, fmt.Errorf("register reconciler: %w", err)
	}

	if clients.Temporal != nil {
		runner, err := temporalworker.NewRunner(log, clients.Temporal, db, reposet.JobRun, out.Registry, out.Notify, cfg.Temporal, cfg.Worker)
		if err != nil {
			return Services{}, fmt.Errorf("init temporal worker: %w", err)
		}
		out.TemporalRunner = runner
	} else {
		out.Worker = jobworker.NewWorker(db, log, reposet.JobRun, out.Registry, out.Notify, cfg.Worker)
	}

	// Evidence flow
	out.Relay = outbox.NewRelay(db, log, reposet.Outbox, reposet.Finding, out.Bus, cfg.Outbox)
	out.Coordinator = coordinator.New(coordinator.Deps{
		Log:       log,
		Runs:      reposet.Run,
		Evidence:  reposet.Evidence,
		Validated: reposet.Validated,
		JobRuns:   reposet.JobRun,
		Manifests: out.Manifests,
		Counters:  out.Counters,
		Jobs:      out.Jobs,
		Bus:       out.Bus,
	})
	out.Supervisor = supervisor.New(supervisor.Deps{
		Log:        log,
		Runs:       reposet.Run,
		Candidates: reposet.Candidate,
		Validated:  reposet.Validated,
		Evidence:   reposet.Evidence,
		JobRuns:    reposet.JobRun,
		Manifests:  out.Manifests,
		Counters:   out.Counters,
		Forcer:     out.Coordinator,
	}, cfg.Supervisor)

	// Graph projection
	var projector graph.Projector
	if clients.Neo4j != nil {
		projector = graph.NewNeo4jProjector(clients.Neo4j, log)
	}
	out.GraphSyncer = graph.NewSyncer(log, reposet.Validated, projector, cfg.GraphSync)

	return out, nil
}

// startJobs starts whichever job executor is configured.
func (s Services) startJobs(ctx context.Context) error {
	if s.TemporalRunner != nil {
		return s.TemporalRunner.Start(ctx)
	}
	if s.Worker != nil {
		s.Worker.Start(ctx)
	}
	return nil
}
