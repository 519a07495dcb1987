// Package outbox moves committed producer results onto the evidence bus.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/envutil"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/eventbus"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts bounds how often a row that cannot be hydrated is retried
	// before it is marked dead. Publish failures are retried without bound.
	MaxAttempts int
}

func ConfigFromEnv() Config {
	return Config{
		PollInterval: envutil.Millis("OUTBOX_POLL_INTERVAL_MS", 500*time.Millisecond),
		BatchSize:    envutil.Int("OUTBOX_BATCH_SIZE", 100),
		MaxAttempts:  envutil.Int("OUTBOX_MAX_ATTEMPTS", 10),
	}
}

type Relay struct {
	db       *gorm.DB
	log      *logger.Logger
	outbox   repos.OutboxRepo
	findings repos.FindingRepo
	bus      eventbus.Bus
	cfg      Config
}

func NewRelay(db *gorm.DB, baseLog *logger.Logger, outbox repos.OutboxRepo, findings repos.FindingRepo, bus eventbus.Bus, cfg Config) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Relay{
		db:       db,
		log:      baseLog.With("component", "OutboxRelay"),
		outbox:   outbox,
		findings: findings,
		bus:      bus,
		cfg:      cfg,
	}
}

// Run polls until ctx is done, then drains what is left with a short grace
// period.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("outbox tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.Drain(drainCtx); err != nil {
				r.log.Warn("outbox drain on shutdown incomplete", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain publishes batches until nothing is left or a publish fails.
func (r *Relay) Drain(ctx context.Context) error {
	for {
		n, err := r.Tick(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Tick relays one batch and returns how many rows were delivered. A publish
// failure stops the batch; the failed row and everything after it stay
// undelivered.
func (r *Relay) Tick(ctx context.Context) (int, error) {
	delivered := 0
	var publishErr error
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		rows, err := r.outbox.LockUndelivered(dbc, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("lock outbox: %w", err)
		}
		for _, row := range rows {
			ev, err := r.hydrate(dbc, row)
			if err != nil {
				attempts := row.Attempts + 1
				if attempts >= r.cfg.MaxAttempts {
					r.log.Error("outbox row dead-lettered", "id", row.ID, "run_id", row.RunID, "attempts", attempts, "error", err)
					if merr := r.outbox.MarkDead(dbc, row.ID, err.Error(), time.Now()); merr != nil {
						return merr
					}
					continue
				}
				r.log.Warn("undecodable outbox row", "id", row.ID, "attempts", attempts, "error", err)
				if merr := r.outbox.MarkFailed(dbc, row.ID, err.Error()); merr != nil {
					return merr
				}
				continue
			}
			if err := r.bus.Publish(ctx, ev); err != nil {
				publishErr = fmt.Errorf("publish %s: %w", ev.JobID, err)
				return r.outbox.MarkFailed(dbc, row.ID, err.Error())
			}
			if err := r.outbox.MarkDelivered(dbc, row.ID, time.Now()); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if delivered > 0 {
		r.log.Debug("outbox relayed", "delivered", delivered)
	}
	return delivered, publishErr
}

func (r *Relay) hydrate(dbc dbctx.Context, row *types.OutboxEvent) (evidence.Event, error) {
	var ev evidence.Event
	if row.EventName != evidence.EventPassCompleted {
		return ev, fmt.Errorf("unknown event %q", row.EventName)
	}
	var summary evidence.PassCompleted
	if err := json.Unmarshal(row.Payload, &summary); err != nil {
		return ev, fmt.Errorf("decode pass summary: %w", err)
	}
	runID, err := uuid.Parse(summary.RunID)
	if err != nil {
		return ev, fmt.Errorf("pass summary run id: %w", err)
	}
	rows, err := r.findings.ListByJob(dbc, runID, summary.JobID)
	if err != nil {
		return ev, fmt.Errorf("load findings: %w", err)
	}
	ev = evidence.Event{
		RunID:        summary.RunID,
		JobID:        summary.JobID,
		SourceWorker: summary.Source,
		Findings:     make([]evidence.Finding, 0, len(rows)),
	}
	for _, f := range rows {
		ev.Findings = append(ev.Findings, ToEvidence(f))
	}
	return ev, nil
}

func ToEvidence(f *types.Finding) evidence.Finding {
	out := evidence.Finding{
		RelationshipHash:  f.RelationshipHash,
		JobID:             f.JobID,
		SourceWorker:      evidence.Pass(f.SourceWorker),
		FoundRelationship: f.FoundRelationship,
		InitialScore:      f.InitialScore,
		ProposedType:      f.ProposedType,
		Degraded:          f.Degraded,
	}
	if len(f.RawModelOutput) > 0 {
		out.RawModelOutput = json.RawMessage(f.RawModelOutput)
	}
	return out
}
