package relay

import (
	"context"
	"log/slog"
	"sync"

	"pagerelay/internal/profile"
)

// Local is the in-process relay: both sides live in one process, linked by
// direct calls instead of a transport. It backs the one-shot CLI and tests.
// Updates for an unbound page are dropped silently, the same way a transport
// treats a receiver that has gone away.
type Local struct {
	proc     Processor
	profiles ProfileSource

	mu               sync.RWMutex
	onUpdate         func(StreamUpdate)
	onProcessContent func()
}

// NewLocal wires a local relay to the background-side processor and profile
// source.
func NewLocal(proc Processor, profiles ProfileSource) *Local {
	return &Local{
		proc:     proc,
		profiles: profiles,
	}
}

// BindPage registers the page-side handlers. At most one page is bound at a
// time; binding again replaces the previous handlers. Either handler may be
// nil.
func (l *Local) BindPage(onUpdate func(StreamUpdate), onProcessContent func()) {
	l.mu.Lock()
	l.onUpdate = onUpdate
	l.onProcessContent = onProcessContent
	l.mu.Unlock()
}

// Process implements Client.
func (l *Local) Process(ctx context.Context, req ProcessRequest) (ProcessResult, error) {
	return l.proc.Process(ctx, req, SinkFunc(l.deliverUpdate)), nil
}

// CancelStream implements Client.
func (l *Local) CancelStream(_ context.Context, streamID string) (bool, error) {
	return l.proc.Cancel(streamID), nil
}

// GetProfiles implements Client.
func (l *Local) GetProfiles(context.Context) ([]profile.Profile, error) {
	return l.profiles.Profiles(), nil
}

// RequestProcessContent delivers the background-to-page processContent
// trigger, a no-op when no page is bound.
func (l *Local) RequestProcessContent() {
	l.mu.RLock()
	fn := l.onProcessContent
	l.mu.RUnlock()

	if fn == nil {
		slog.Debug("dropping processContent, no page bound")
		return
	}
	fn()
}

func (l *Local) deliverUpdate(u StreamUpdate) {
	l.mu.RLock()
	fn := l.onUpdate
	l.mu.RUnlock()

	if fn == nil {
		slog.Debug("dropping stream update, no page bound", "stream_id", u.StreamID)
		return
	}
	fn(u)
}
