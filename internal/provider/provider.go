package provider

import (
	"context"
	"errors"
)

// ErrUpstream marks provider API and transport failures. Adapters wrap the
// upstream message so it reaches the UI unchanged; the dispatcher never
// retries.
var ErrUpstream = errors.New("provider error")

// ErrStopStream is returned by a DeltaFunc to make the adapter stop
// consuming the stream. The adapter then returns whatever content it has
// accumulated, without error.
var ErrStopStream = errors.New("stop stream")

// Request is one fully-resolved provider invocation, assembled by the
// dispatcher from a profile and the user's text.
type Request struct {
	APIKey       string
	Endpoint     string // empty means the adapter's default endpoint
	Model        string
	SystemPrompt string
	UserPrompt   string
	Text         string
	ExtraOptions string // raw JSON object, may be empty or malformed
	Streaming    bool
}

// DeltaFunc receives the cumulative content after each streamed fragment, in
// arrival order. The adapter calls it before reading the next chunk.
type DeltaFunc func(cumulative string) error

// Adapter translates the uniform request model into one provider's API.
type Adapter interface {
	Name() string

	// Complete performs a non-streaming request and returns the final text.
	Complete(ctx context.Context, req Request) (string, error)

	// Stream performs a streaming request, invoking onDelta with the running
	// total after each fragment. It returns the accumulated text, which on an
	// ErrStopStream halt is whatever arrived before the stop.
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) (string, error)
}
