// Package llmpolicy wraps language-model calls with bounded retries and a
// circuit breaker shared by every analyzer in the process.
package llmpolicy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/yungbote/codegraph-triangulation/internal/platform/envutil"
	"github.com/yungbote/codegraph-triangulation/internal/platform/httpx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

var (
	// ErrCircuitOpen is returned without calling the model while the breaker
	// is open.
	ErrCircuitOpen = errors.New("llm circuit open")
	// ErrRetryBudgetExhausted wraps the last transient failure once every
	// attempt has been spent.
	ErrRetryBudgetExhausted = errors.New("llm retry budget exhausted")
)

type Config struct {
	MaxRetries       int
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		MaxRetries:       envutil.Int("LLM_MAX_RETRIES", 4),
		InitialInterval:  envutil.Millis("LLM_BACKOFF_INITIAL_MS", 500*time.Millisecond),
		MaxInterval:      envutil.Millis("LLM_BACKOFF_MAX_MS", 20*time.Second),
		BreakerThreshold: envutil.Int("LLM_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  envutil.Seconds("LLM_BREAKER_COOLDOWN_SECONDS", 30*time.Second),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 20 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

type Policy struct {
	cfg     Config
	log     *logger.Logger
	breaker *gobreaker.TwoStepCircuitBreaker[struct{}]
}

func New(baseLog *logger.Logger, cfg Config) *Policy {
	cfg = cfg.withDefaults()
	log := baseLog.With("component", "LLMPolicy")
	threshold := uint32(cfg.BreakerThreshold)
	return &Policy{
		cfg: cfg,
		log: log,
		breaker: gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "llm",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Warn("LLM circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// State reports the breaker state shared by every caller of this policy.
func (p *Policy) State() gobreaker.State { return p.breaker.State() }

// Do runs op until it succeeds, fails permanently, or the attempt budget is
// spent. Transient failures are classified with httpx.IsRetryableError.
// Every attempt passes through the breaker; a caller whose context ends
// mid-call leaves the failure streak untouched.
func Do[T any](ctx context.Context, p *Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialInterval
	bo.MaxInterval = p.cfg.MaxInterval
	bo.RandomizationFactor = 0.5

	var lastTransient error
	out, err := backoff.Retry(ctx, func() (T, error) {
		done, err := p.breaker.Allow()
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return zero, backoff.Permanent(ErrCircuitOpen)
			}
			return zero, backoff.Permanent(err)
		}
		res, err := op(ctx)
		if err == nil {
			done(true)
			return res, nil
		}
		if ctx.Err() != nil {
			p.abandon(done)
			return zero, backoff.Permanent(err)
		}
		if !httpx.IsRetryableError(err) {
			// The model answered; the request itself is bad.
			done(true)
			return zero, backoff.Permanent(err)
		}
		lastTransient = err
		done(false)
		if p.breaker.State() == gobreaker.StateOpen {
			p.log.Warn("LLM circuit opened", "call", name, "error", err)
			return zero, backoff.Permanent(fmt.Errorf("%w: %v", ErrCircuitOpen, err))
		}
		var se *httpx.StatusError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			return zero, backoff.RetryAfter(int(se.RetryAfter / time.Second))
		}
		return zero, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.cfg.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Warn("LLM call retrying", "call", name, "sleep", next.String(), "error", err)
		}),
	)
	if err == nil {
		return out, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if errors.Is(err, ErrCircuitOpen) {
		return zero, fmt.Errorf("%s: %w", name, err)
	}
	if ctx.Err() != nil {
		return zero, err
	}
	if lastTransient != nil && httpx.IsRetryableError(err) {
		return zero, fmt.Errorf("%s: %w: %v", name, ErrRetryBudgetExhausted, err)
	}
	var rae *backoff.RetryAfterError
	if errors.As(err, &rae) {
		return zero, fmt.Errorf("%s: %w: %v", name, ErrRetryBudgetExhausted, lastTransient)
	}
	return zero, err
}

// abandon settles an attempt the caller gave up on. Closed-state attempts
// are left unreported; a half-open probe must report so the breaker does not
// stay wedged, and it reports as failed since it proved nothing.
func (p *Policy) abandon(done func(success bool)) {
	if p.breaker.State() == gobreaker.StateHalfOpen {
		done(false)
	}
}
