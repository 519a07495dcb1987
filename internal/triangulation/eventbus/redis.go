package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/codegraph-triangulation/internal/platform/envutil"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
)

const eventField = "event"

type RedisConfig struct {
	Stream        string
	DeadStream    string
	MaxLen        int64
	Block         time.Duration
	ClaimIdle     time.Duration
	BatchSize     int64
	MaxDeliveries int64
}

func RedisConfigFromEnv() RedisConfig {
	stream := strings.TrimSpace(envutil.String("EVIDENCE_STREAM", "evidence:events"))
	return RedisConfig{
		Stream:        stream,
		DeadStream:    stream + ":dead",
		MaxLen:        int64(envutil.Int("EVIDENCE_STREAM_MAXLEN", 1_000_000)),
		Block:         envutil.Millis("EVIDENCE_STREAM_BLOCK_MS", 2*time.Second),
		ClaimIdle:     envutil.Seconds("EVIDENCE_STREAM_CLAIM_IDLE_SECONDS", 60*time.Second),
		BatchSize:     int64(envutil.Int("EVIDENCE_STREAM_BATCH", 32)),
		MaxDeliveries: int64(envutil.Int("EVIDENCE_STREAM_MAX_DELIVERIES", 10)),
	}
}

// RedisBus is a Redis Streams bus. Entries stay pending until the handler
// succeeds; entries idle longer than ClaimIdle are reclaimed by any consumer
// of the group.
type RedisBus struct {
	log *logger.Logger
	rdb *goredis.Client
	cfg RedisConfig
}

func NewRedisBus(baseLog *logger.Logger, rdb *goredis.Client, cfg RedisConfig) (*RedisBus, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "evidence:events"
	}
	if cfg.DeadStream == "" {
		cfg.DeadStream = cfg.Stream + ":dead"
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 10
	}
	return &RedisBus{
		log: baseLog.With("component", "RedisEvidenceBus", "stream", cfg.Stream),
		rdb: rdb,
		cfg: cfg,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev evidence.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode evidence event: %w", err)
	}
	args := &goredis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]interface{}{eventField: string(raw)},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", b.cfg.Stream, err)
	}
	return nil
}

func (b *RedisBus) ensureGroup(ctx context.Context, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.cfg.Stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s: %w", group, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, group string, consumer string, h Handler) error {
	if err := b.ensureGroup(ctx, group); err != nil {
		return err
	}
	log := b.log.With("group", group, "consumer", consumer)
	lastClaim := time.Time{}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastClaim) >= b.cfg.ClaimIdle/2 {
			lastClaim = time.Now()
			if err := b.reclaim(ctx, log, group, consumer, h); err != nil && ctx.Err() == nil {
				log.Warn("reclaim pending entries failed", "error", err)
			}
		}

		streams, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{b.cfg.Stream, ">"},
			Count:    b.cfg.BatchSize,
			Block:    b.cfg.Block,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("xreadgroup failed", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				b.deliver(ctx, log, group, msg, h)
			}
		}
	}
}

// reclaim takes over entries another consumer left pending for longer than
// ClaimIdle.
func (b *RedisBus) reclaim(ctx context.Context, log *logger.Logger, group, consumer string, h Handler) error {
	start := "0-0"
	for {
		msgs, next, err := b.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   b.cfg.Stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.cfg.ClaimIdle,
			Start:    start,
			Count:    b.cfg.BatchSize,
		}).Result()
		if err != nil {
			return fmt.Errorf("xautoclaim: %w", err)
		}
		for _, msg := range msgs {
			if b.exhausted(ctx, group, msg.ID) {
				b.deadLetter(ctx, log, group, msg)
				continue
			}
			b.deliver(ctx, log, group, msg, h)
		}
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

func (b *RedisBus) exhausted(ctx context.Context, group, id string) bool {
	pending, err := b.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: b.cfg.Stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return false
	}
	return pending[0].RetryCount > b.cfg.MaxDeliveries
}

func (b *RedisBus) deliver(ctx context.Context, log *logger.Logger, group string, msg goredis.XMessage, h Handler) {
	ev, err := decodeMessage(msg)
	if err != nil {
		log.Warn("bad evidence event payload", "id", msg.ID, "error", err)
		b.ack(ctx, log, group, msg.ID)
		return
	}
	herr := h(ctx, ev)
	switch {
	case herr == nil:
		b.ack(ctx, log, group, msg.ID)
	case IsPermanent(herr):
		log.Warn("event dropped after permanent error", "id", msg.ID, "run_id", ev.RunID, "job_id", ev.JobID, "error", herr)
		b.ack(ctx, log, group, msg.ID)
	default:
		log.Warn("event handler failed; left pending", "id", msg.ID, "run_id", ev.RunID, "job_id", ev.JobID, "error", herr)
	}
}

func (b *RedisBus) ack(ctx context.Context, log *logger.Logger, group, id string) {
	if err := b.rdb.XAck(ctx, b.cfg.Stream, group, id).Err(); err != nil {
		log.Warn("xack failed", "id", id, "error", err)
	}
}

func (b *RedisBus) deadLetter(ctx context.Context, log *logger.Logger, group string, msg goredis.XMessage) {
	values := map[string]interface{}{"group": group, "id": msg.ID}
	if raw, ok := msg.Values[eventField]; ok {
		values[eventField] = raw
	}
	if err := b.rdb.XAdd(ctx, &goredis.XAddArgs{Stream: b.cfg.DeadStream, Values: values}).Err(); err != nil {
		log.Warn("dead-letter append failed", "id", msg.ID, "error", err)
		return
	}
	log.Error("event dead-lettered", "id", msg.ID, "max_deliveries", b.cfg.MaxDeliveries)
	b.ack(ctx, log, group, msg.ID)
}

func (b *RedisBus) Close() error {
	return nil
}

func decodeMessage(msg goredis.XMessage) (evidence.Event, error) {
	var ev evidence.Event
	raw, ok := msg.Values[eventField]
	if !ok {
		return ev, fmt.Errorf("missing %q field", eventField)
	}
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return ev, fmt.Errorf("unexpected %q field type %T", eventField, raw)
	}
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	return ev, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
