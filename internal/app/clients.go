package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/platform/neo4jdb"
	"github.com/yungbote/codegraph-triangulation/internal/platform/openai"
	"github.com/yungbote/codegraph-triangulation/internal/platform/redisdb"
	"github.com/yungbote/codegraph-triangulation/internal/temporalx"
)

// Clients holds the optional external systems. Any field may be nil.
type Clients struct {
	Redis    *goredis.Client
	Neo4j    *neo4jdb.Client
	Temporal temporalsdkclient.Client
	Model    openai.Client
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")
	var out Clients

	// Redis
	rdb, err := redisdb.NewFromEnv(log)
	if err != nil {
		return out, fmt.Errorf("init redis: %w", err)
	}
	if rdb == nil && cfg.NeedsRedis() {
		return out, fmt.Errorf("REDIS_ADDR is required by the selected backends (store=%s counter=%s bus=%s)",
			cfg.StoreBackend, cfg.CounterBackend, cfg.BusBackend)
	}
	out.Redis = rdb

	// Neo4j
	graphClient, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		out.Close(ctx)
		return Clients{}, fmt.Errorf("init neo4j: %w", err)
	}
	out.Neo4j = graphClient

	// Temporal
	tc, err := temporalx.NewClient(ctx, log, cfg.Temporal)
	if err != nil {
		out.Close(ctx)
		return Clients{}, fmt.Errorf("init temporal: %w", err)
	}
	out.Temporal = tc

	// Model; absent credentials put every producer batch on the degraded path.
	model, err := openai.NewClient(log)
	if err != nil {
		log.Warn("language model disabled; producers run degraded", "error", err)
	} else {
		out.Model = model
	}
	return out, nil
}

func (c *Clients) Close(ctx context.Context) {
	if c.Temporal != nil {
		c.Temporal.Close()
		c.Temporal = nil
	}
	if c.Neo4j != nil {
		_ = c.Neo4j.Close(ctx)
		c.Neo4j = nil
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
		c.Redis = nil
	}
}
