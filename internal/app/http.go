package app

import (
	"context"

	"gorm.io/gorm"

	apihttp "github.com/yungbote/codegraph-triangulation/internal/http"
	httpH "github.com/yungbote/codegraph-triangulation/internal/http/handlers"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

func wireHTTP(log *logger.Logger, cfg Config, db *gorm.DB, clients Clients, reposet Repos, serviceset Services) *apihttp.Server {
	log.Info("Wiring HTTP server...")
	checks := map[string]httpH.Pinger{
		"database": httpH.PingFunc(func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}),
	}
	if clients.Redis != nil {
		checks["redis"] = httpH.PingFunc(func(ctx context.Context) error {
			return clients.Redis.Ping(ctx).Err()
		})
	}
	if clients.Neo4j != nil {
		checks["neo4j"] = httpH.PingFunc(func(ctx context.Context) error {
			return clients.Neo4j.Driver.VerifyConnectivity(ctx)
		})
	}

	return apihttp.NewServer(cfg.HTTPAddr, apihttp.RouterConfig{
		Log:           log,
		AllowOrigins:  cfg.AllowOrigins,
		HealthHandler: httpH.NewHealthHandler(checks),
		RunHandler: httpH.NewRunHandler(
			serviceset.Planner,
			serviceset.Supervisor,
			serviceset.Coordinator,
			serviceset.Jobs,
			reposet.Run,
			reposet.Validated,
		),
	})
}
