// Package dispatch orchestrates one provider invocation: adapter selection,
// stream registry lifecycle and relay delivery. One attempt per request,
// no retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pagerelay/internal/profile"
	"pagerelay/internal/provider"
	"pagerelay/internal/relay"
	"pagerelay/internal/stream"
)

// ErrConfiguration marks requests rejected before any network call: missing
// or invalid profile, unknown provider type.
var ErrConfiguration = errors.New("configuration error")

// ErrCancelled marks a cancellation observed before dispatch. Cancellation
// mid-stream is not an error; the dispatcher returns the partial content.
var ErrCancelled = errors.New("stream cancelled")

// Selector resolves a provider adapter for a profile type.
type Selector interface {
	ForType(ptype string) (provider.Adapter, bool)
}

// Dispatcher is the single entry point for processing requests.
type Dispatcher struct {
	adapters Selector
	registry *stream.Registry
}

// New constructs a dispatcher over the adapter set and stream registry.
func New(adapters Selector, registry *stream.Registry) *Dispatcher {
	return &Dispatcher{
		adapters: adapters,
		registry: registry,
	}
}

// Process runs one request to completion or cancellation, forwarding
// streaming updates to sink tagged with the request's stream id. Failures of
// any kind come back as an unsuccessful result, never as a panic or a bare
// error crossing the relay.
func (d *Dispatcher) Process(ctx context.Context, req relay.ProcessRequest, sink relay.UpdateSink) relay.ProcessResult {
	streamID := req.StreamID
	if streamID == "" {
		streamID = stream.NewID()
	}
	if sink == nil {
		sink = relay.Discard
	}

	response, err := d.run(ctx, req, streamID, sink)
	if err != nil {
		slog.Warn("processing failed", "stream_id", streamID, "err", err)
		return relay.ProcessResult{
			Success:  false,
			Error:    err.Error(),
			StreamID: streamID,
		}
	}

	return relay.ProcessResult{
		Success:  true,
		Response: response,
		StreamID: streamID,
	}
}

// Cancel flips the cancellation flag for an in-flight stream, reporting
// whether the id was still registered.
func (d *Dispatcher) Cancel(streamID string) bool {
	return d.registry.Cancel(streamID)
}

func (d *Dispatcher) run(ctx context.Context, req relay.ProcessRequest, streamID string, sink relay.UpdateSink) (string, error) {
	if err := profile.Validate(req.Profile); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	// Registered for every request, streaming or not, so cancellation has a
	// uniform lifecycle; released unconditionally on the way out.
	handle := d.registry.Register(streamID)
	defer d.registry.Release(streamID)

	if handle.Cancelled() {
		return "", fmt.Errorf("%w before dispatch: %s", ErrCancelled, streamID)
	}

	adapter, ok := d.adapters.ForType(req.Profile.Type)
	if !ok {
		return "", fmt.Errorf("%w: unknown provider type %q", ErrConfiguration, req.Profile.Type)
	}

	userPrompt := req.UserPrompt
	if userPrompt == "" {
		userPrompt = req.Profile.UserPrompt
	}

	preq := provider.Request{
		APIKey:       req.Profile.APIKey,
		Endpoint:     req.Profile.Endpoint,
		Model:        req.Profile.Model,
		SystemPrompt: req.Profile.SystemPrompt,
		UserPrompt:   userPrompt,
		Text:         req.Text,
		ExtraOptions: req.Profile.ExtraOptions,
		Streaming:    req.Streaming,
	}

	if !req.Streaming {
		return adapter.Complete(ctx, preq)
	}

	return adapter.Stream(ctx, preq, func(cumulative string) error {
		if handle.Cancelled() {
			return provider.ErrStopStream
		}
		sink.SendUpdate(relay.StreamUpdate{
			Content:  cumulative,
			StreamID: streamID,
		})
		return nil
	})
}
