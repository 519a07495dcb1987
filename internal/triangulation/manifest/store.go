package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
)

// Store persists manifests. Save is write-once per run.
type Store interface {
	Save(ctx context.Context, m *Manifest) error
	Load(ctx context.Context, runID string) (*Manifest, error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string][]byte{}}
}

func (s *MemoryStore) Save(_ context.Context, m *Manifest) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[m.RunID]; ok {
		return ErrManifestExists
	}
	s.docs[m.RunID] = b
	return nil
}

func (s *MemoryStore) Load(_ context.Context, runID string) (*Manifest, error) {
	s.mu.RLock()
	b, ok := s.docs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrManifestNotFound
	}
	return decode(b)
}

// RedisStore keeps manifests under manifest:{runId}.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, m *Manifest) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, Key(m.RunID), b, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", Key(m.RunID), err)
	}
	if !ok {
		return ErrManifestExists
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, runID string) (*Manifest, error) {
	b, err := s.rdb.Get(ctx, Key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", Key(runID), err)
	}
	return decode(b)
}

// RepoStore keeps manifests in the relational store next to the run.
type RepoStore struct {
	repo repos.ManifestRepo
}

func NewRepoStore(repo repos.ManifestRepo) *RepoStore {
	return &RepoStore{repo: repo}
}

func (s *RepoStore) Save(ctx context.Context, m *Manifest) error {
	runID, err := uuid.Parse(m.RunID)
	if err != nil {
		return fmt.Errorf("manifest run id: %w", err)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	created, err := s.repo.CreateOnce(dbctx.Context{Ctx: ctx}, &types.ManifestRecord{
		RunID:    runID,
		Document: datatypes.JSON(b),
	})
	if err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	if !created {
		return ErrManifestExists
	}
	return nil
}

func (s *RepoStore) Load(ctx context.Context, runID string) (*Manifest, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad run id %q", ErrManifestNotFound, runID)
	}
	rec, err := s.repo.GetByRunID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	if rec == nil {
		return nil, ErrManifestNotFound
	}
	return decode(rec.Document)
}

func decode(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.RelationshipEvidenceMap == nil {
		m.RelationshipEvidenceMap = map[string][]string{}
	}
	return &m, nil
}
