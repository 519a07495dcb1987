package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
)

// CounterStore tracks, per relationship, the distinct providers that have
// reported. Record is an atomic increment-and-read; a provider recorded twice
// leaves the count unchanged.
type CounterStore interface {
	Record(ctx context.Context, runID, hash, jobID string) (int64, error)
	Count(ctx context.Context, runID, hash string) (int64, error)
	Purge(ctx context.Context, runID string) error
}

type MemoryCounter struct {
	mu   sync.Mutex
	sets map[string]map[string]map[string]struct{}
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{sets: map[string]map[string]map[string]struct{}{}}
}

func (c *MemoryCounter) Record(_ context.Context, runID, hash, jobID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.sets[runID]
	if !ok {
		run = map[string]map[string]struct{}{}
		c.sets[runID] = run
	}
	providers, ok := run[hash]
	if !ok {
		providers = map[string]struct{}{}
		run[hash] = providers
	}
	providers[jobID] = struct{}{}
	return int64(len(providers)), nil
}

func (c *MemoryCounter) Count(_ context.Context, runID, hash string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.sets[runID][hash])), nil
}

func (c *MemoryCounter) Purge(_ context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets, runID)
	return nil
}

// recordScript adds the provider and reads the set size in one server-side
// step.
var recordScript = goredis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
if added == 1 and tonumber(ARGV[2]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return redis.call('SCARD', KEYS[1])
`)

// RedisCounter keeps one provider set per relationship under
// evidence:{runId}:{hash}.
type RedisCounter struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewRedisCounter(rdb *goredis.Client, ttl time.Duration) *RedisCounter {
	return &RedisCounter{rdb: rdb, ttl: ttl}
}

func counterKey(runID, hash string) string {
	return "evidence:" + runID + ":" + hash
}

func (c *RedisCounter) Record(ctx context.Context, runID, hash, jobID string) (int64, error) {
	n, err := recordScript.Run(ctx, c.rdb, []string{counterKey(runID, hash)}, jobID, int64(c.ttl/time.Second)).Int64()
	if err != nil {
		return 0, fmt.Errorf("record provider %s: %w", counterKey(runID, hash), err)
	}
	return n, nil
}

func (c *RedisCounter) Count(ctx context.Context, runID, hash string) (int64, error) {
	n, err := c.rdb.SCard(ctx, counterKey(runID, hash)).Result()
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", counterKey(runID, hash), err)
	}
	return n, nil
}

func (c *RedisCounter) Purge(ctx context.Context, runID string) error {
	iter := c.rdb.Scan(ctx, 0, "evidence:"+runID+":*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan counters: %w", err)
	}
	if len(batch) > 0 {
		return c.rdb.Del(ctx, batch...).Err()
	}
	return nil
}

// RepoCounter keeps counters in the relational store.
type RepoCounter struct {
	repo repos.CounterRepo
}

func NewRepoCounter(repo repos.CounterRepo) *RepoCounter {
	return &RepoCounter{repo: repo}
}

func (c *RepoCounter) Record(ctx context.Context, runID, hash, jobID string) (int64, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}
	return c.repo.IncrementDistinct(dbctx.Context{Ctx: ctx}, id, hash, jobID)
}

func (c *RepoCounter) Count(ctx context.Context, runID, hash string) (int64, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}
	return c.repo.Get(dbctx.Context{Ctx: ctx}, id, hash)
}

func (c *RepoCounter) Purge(ctx context.Context, runID string) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	return c.repo.DeleteByRun(dbctx.Context{Ctx: ctx}, id)
}
