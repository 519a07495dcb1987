package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
)

var ErrClosed = errors.New("eventbus closed")

type memPending struct {
	ev        evidence.Event
	attempts  int
	notBefore time.Time
}

// DeadLetter is an event a group gave up on after its delivery bound.
type DeadLetter struct {
	Group    string
	Event    evidence.Event
	Attempts int
	Error    string
	At       time.Time
}

type memGroup struct {
	next  int
	retry []memPending
}

// MemoryBus is the single-process bus. Events published before a group
// subscribes are replayed to it from the start.
type MemoryBus struct {
	log             *logger.Logger
	maxDeliveries   int
	redeliveryDelay time.Duration

	mu     sync.Mutex
	events []evidence.Event
	groups map[string]*memGroup
	dead   []DeadLetter
	wake   chan struct{}
	closed bool
}

func NewMemoryBus(baseLog *logger.Logger, maxDeliveries int, redeliveryDelay time.Duration) *MemoryBus {
	if maxDeliveries <= 0 {
		maxDeliveries = 10
	}
	if redeliveryDelay <= 0 {
		redeliveryDelay = 50 * time.Millisecond
	}
	return &MemoryBus{
		log:             baseLog.With("component", "MemoryBus"),
		maxDeliveries:   maxDeliveries,
		redeliveryDelay: redeliveryDelay,
		groups:          map[string]*memGroup{},
		wake:            make(chan struct{}),
	}
}

func (b *MemoryBus) Publish(_ context.Context, ev evidence.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.events = append(b.events, ev)
	b.broadcastLocked()
	return nil
}

func (b *MemoryBus) broadcastLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *MemoryBus) Subscribe(ctx context.Context, group string, consumer string, h Handler) error {
	log := b.log.With("group", group, "consumer", consumer)
	for {
		p, wait, wake, err := b.take(group)
		if err != nil {
			return err
		}
		if p == nil {
			if !waitFor(ctx, wake, wait) {
				return ctx.Err()
			}
			continue
		}

		p.attempts++
		herr := h(ctx, p.ev)
		if herr == nil || IsPermanent(herr) {
			if herr != nil {
				log.Warn("event dropped after permanent error", "run_id", p.ev.RunID, "job_id", p.ev.JobID, "error", herr)
			}
			continue
		}
		if ctx.Err() != nil {
			b.requeue(group, *p, 0)
			return ctx.Err()
		}
		if p.attempts >= b.maxDeliveries {
			b.deadLetter(group, *p, herr)
			log.Error("event dead-lettered", "run_id", p.ev.RunID, "job_id", p.ev.JobID, "attempts", p.attempts, "error", herr)
			continue
		}
		log.Warn("event handler failed; redelivering", "run_id", p.ev.RunID, "job_id", p.ev.JobID, "attempts", p.attempts, "error", herr)
		b.requeue(group, *p, b.redeliveryDelay)
	}
}

// take returns the next deliverable event for group, or how long to wait.
func (b *MemoryBus) take(group string) (*memPending, time.Duration, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, 0, nil, ErrClosed
	}
	g, ok := b.groups[group]
	if !ok {
		g = &memGroup{}
		b.groups[group] = g
	}
	now := time.Now()
	var wait time.Duration
	for i, p := range g.retry {
		if !p.notBefore.After(now) {
			g.retry = append(g.retry[:i], g.retry[i+1:]...)
			return &p, 0, nil, nil
		}
		if d := p.notBefore.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	if g.next < len(b.events) {
		p := memPending{ev: b.events[g.next]}
		g.next++
		return &p, 0, nil, nil
	}
	return nil, wait, b.wake, nil
}

// waitFor blocks until wake fires, wait elapses (when positive) or ctx ends.
// It reports false only when ctx ended.
func waitFor(ctx context.Context, wake <-chan struct{}, wait time.Duration) bool {
	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-wake:
	case <-timer:
	}
	return true
}

func (b *MemoryBus) requeue(group string, p memPending, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p.notBefore = time.Now().Add(delay)
	b.groups[group].retry = append(b.groups[group].retry, p)
	b.broadcastLocked()
}

func (b *MemoryBus) deadLetter(group string, p memPending, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, DeadLetter{
		Group:    group,
		Event:    p.ev,
		Attempts: p.attempts,
		Error:    cause.Error(),
		At:       time.Now(),
	})
}

// DeadLetters returns a copy of every dead-lettered event, oldest first.
func (b *MemoryBus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.broadcastLocked()
	}
	return nil
}
