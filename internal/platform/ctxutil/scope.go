// Package ctxutil carries per-request identifiers through a context.
package ctxutil

import (
	"context"
	"sync"
)

type scopeKey struct{}

// RequestScope identifies one operator request. Handlers attach the run they
// act on so the request log can name it.
type RequestScope struct {
	TraceID   string
	RequestID string

	mu    sync.Mutex
	runID string
}

func WithScope(ctx context.Context, s *RequestScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns nil when ctx carries no scope.
func ScopeFrom(ctx context.Context) *RequestScope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*RequestScope)
	return s
}

func (s *RequestScope) SetRunID(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.runID = id
	s.mu.Unlock()
}

func (s *RequestScope) RunID() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// LogFields returns key/value pairs for the logger. Empty values are omitted.
func (s *RequestScope) LogFields() []interface{} {
	if s == nil {
		return nil
	}
	var out []interface{}
	if s.TraceID != "" {
		out = append(out, "trace_id", s.TraceID)
	}
	if s.RequestID != "" {
		out = append(out, "request_id", s.RequestID)
	}
	if id := s.RunID(); id != "" {
		out = append(out, "run_id", id)
	}
	return out
}
