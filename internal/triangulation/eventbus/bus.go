// Package eventbus carries evidence-arrival events from the outbox relay to
// the coordinator with at-least-once delivery.
package eventbus

import (
	"context"
	"errors"

	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
)

// Handler processes one event. A nil return or a Permanent error acks the
// event; any other error leaves it for redelivery.
type Handler func(ctx context.Context, ev evidence.Event) error

type Bus interface {
	// Publish returns once the bus has durably accepted ev.
	Publish(ctx context.Context, ev evidence.Event) error
	// Subscribe consumes as consumer within group until ctx is done. Each
	// group sees every event; consumers within a group share the work.
	Subscribe(ctx context.Context, group string, consumer string, h Handler) error
	Close() error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
