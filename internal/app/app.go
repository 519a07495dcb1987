package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/codegraph-triangulation/internal/data/db"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	apihttp "github.com/yungbote/codegraph-triangulation/internal/http"
	"github.com/yungbote/codegraph-triangulation/internal/observability"
	"github.com/yungbote/codegraph-triangulation/internal/platform/envutil"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/manifest"
)

type Role string

const (
	RoleAPI         Role = "api"
	RoleWorker      Role = "worker"
	RoleRelay       Role = "relay"
	RoleCoordinator Role = "coordinator"
	RoleSupervisor  Role = "supervisor"
	RoleGraph       Role = "graph"
)

var allRoles = []Role{RoleAPI, RoleWorker, RoleRelay, RoleCoordinator, RoleSupervisor, RoleGraph}

// ParseRoles reads a comma-separated role list. "all" selects every role.
func ParseRoles(s string) ([]Role, error) {
	seen := map[Role]bool{}
	for _, part := range splitList(s) {
		part = strings.ToLower(part)
		if part == "all" {
			for _, r := range allRoles {
				seen[r] = true
			}
			continue
		}
		ok := false
		for _, r := range allRoles {
			if Role(part) == r {
				seen[r] = true
				ok = true
			}
		}
		if !ok {
			return nil, fmt.Errorf("unknown role %q", part)
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("no roles selected")
	}
	out := make([]Role, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Clients  Clients
	Repos    Repos
	Services Services
	Server   *apihttp.Server

	dbService    *db.PostgresService
	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading configuration...")
	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, err
	}
	return NewWithConfig(ctx, log, cfg)
}

func NewWithConfig(ctx context.Context, log *logger.Logger, cfg Config) (*App, error) {
	shutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "codegraph-triangulation",
		Environment: envutil.String("APP_ENV", "development"),
		Version:     envutil.String("APP_VERSION", ""),
	})

	var (
		dbService *db.PostgresService
		err       error
	)
	switch cfg.DBBackend {
	case BackendSQLite:
		dbService, err = db.NewSQLiteService(log, cfg.SQLitePath)
	default:
		dbService, err = db.NewPostgresService(log)
	}
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init database: %w", err)
	}
	theDB := dbService.DB()
	if err := db.AutoMigrateAll(theDB); err != nil {
		_ = dbService.Close()
		log.Sync()
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	if err := db.EnsurePostgresIndexes(theDB); err != nil {
		_ = dbService.Close()
		log.Sync()
		return nil, err
	}

	clients, err := wireClients(ctx, log, cfg)
	if err != nil {
		_ = dbService.Close()
		log.Sync()
		return nil, err
	}
	reposet := wireRepos(theDB, log)
	serviceset, err := wireServices(theDB, log, cfg, clients, reposet)
	if err != nil {
		clients.Close(ctx)
		_ = dbService.Close()
		log.Sync()
		return nil, err
	}
	server := wireHTTP(log, cfg, theDB, clients, reposet, serviceset)

	return &App{
		Log:          log,
		DB:           theDB,
		Cfg:          cfg,
		Clients:      clients,
		Repos:        reposet,
		Services:     serviceset,
		Server:       server,
		dbService:    dbService,
		otelShutdown: shutdown,
	}, nil
}

// Plan walks root and creates a run with all of its jobs queued.
func (a *App) Plan(ctx context.Context, root string) (*types.Run, *manifest.Plan, error) {
	return a.Services.Planner.PlanRoot(ctx, root)
}

// Run starts the selected roles and blocks until ctx is done or one of them
// fails.
func (a *App) Run(ctx context.Context, roles []Role) error {
	if a.Cfg.BusBackend == BackendMemory && !(hasRole(roles, RoleRelay) && hasRole(roles, RoleCoordinator)) {
		a.Log.Warn("memory evidence bus only connects relay and coordinator in one process", "roles", roles)
	}
	a.Log.Info("Starting roles", "roles", roles)

	g, gctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		switch role {
		case RoleAPI:
			g.Go(func() error { return a.Server.Run(gctx) })
		case RoleWorker:
			g.Go(func() error {
				if err := a.Services.startJobs(gctx); err != nil {
					return fmt.Errorf("start job executor: %w", err)
				}
				<-gctx.Done()
				if a.Services.Worker != nil {
					a.Services.Worker.Wait()
				}
				return nil
			})
		case RoleRelay:
			g.Go(func() error { return ignoreCanceled(a.Services.Relay.Run(gctx)) })
		case RoleCoordinator:
			g.Go(func() error { return ignoreCanceled(a.Services.Coordinator.Listen(gctx, "")) })
		case RoleSupervisor:
			g.Go(func() error {
				if err := a.Services.Supervisor.Start(gctx); err != nil {
					return err
				}
				<-gctx.Done()
				return nil
			})
		case RoleGraph:
			g.Go(func() error { return ignoreCanceled(a.Services.GraphSyncer.Run(gctx)) })
		}
	}
	return g.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	ctx := context.Background()
	if a.Services.Bus != nil {
		_ = a.Services.Bus.Close()
	}
	a.Clients.Close(ctx)
	if a.dbService != nil {
		_ = a.dbService.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

func hasRole(roles []Role, want Role) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
