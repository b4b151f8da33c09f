// Package relay defines the message boundary between the privileged
// background side, which holds network access and API keys, and page-side
// sessions that own the UI. Messages come in two classes: request/response
// calls (processWithLLM, cancelStream, getProfiles) and fire-and-forget
// notifications (streamUpdate, profilesUpdated, processContent) where no
// caller awaits an answer and delivery failures are benign.
package relay

import (
	"context"

	"pagerelay/internal/profile"
)

// Kind discriminates relay messages on the wire.
type Kind string

const (
	KindProcessWithLLM  Kind = "processWithLLM"
	KindStreamUpdate    Kind = "streamUpdate"
	KindCancelStream    Kind = "cancelStream"
	KindGetProfiles     Kind = "getProfiles"
	KindProfilesUpdated Kind = "profilesUpdated"
	KindProcessContent  Kind = "processContent"
)

// ProcessRequest asks the background side to run one provider invocation.
type ProcessRequest struct {
	Profile    profile.Profile `json:"profile"`
	UserPrompt string          `json:"userPrompt,omitempty"`
	Text       string          `json:"text"`
	Streaming  bool            `json:"isStreaming"`
	StreamID   string          `json:"streamId,omitempty"`
}

// ProcessResult is the terminal answer to a ProcessRequest. Provider and
// configuration failures arrive here as Error text, never as a transport
// error.
type ProcessResult struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	StreamID string `json:"streamId"`
}

// StreamUpdate carries the cumulative content of a stream so far. Zero or
// many updates may arrive before the ProcessResult.
type StreamUpdate struct {
	Content  string `json:"content"`
	StreamID string `json:"streamId"`
}

// CancelRequest asks the background side to cancel an in-flight stream.
type CancelRequest struct {
	StreamID string `json:"streamId"`
}

// UpdateSink receives fire-and-forget stream updates. Implementations must
// preserve per-stream ordering and swallow delivery failures to receivers
// that no longer exist.
type UpdateSink interface {
	SendUpdate(u StreamUpdate)
}

// SinkFunc adapts a function to the UpdateSink interface.
type SinkFunc func(StreamUpdate)

func (f SinkFunc) SendUpdate(u StreamUpdate) { f(u) }

// Discard drops every update.
var Discard UpdateSink = SinkFunc(func(StreamUpdate) {})

// Client is the page-side view of the relay.
type Client interface {
	// Process runs a request to completion. The returned error covers
	// transport failure only; provider failures live in the result.
	Process(ctx context.Context, req ProcessRequest) (ProcessResult, error)

	// CancelStream cancels an in-flight stream, reporting whether the id was
	// still known on the background side.
	CancelStream(ctx context.Context, streamID string) (bool, error)

	// GetProfiles fetches the persisted profile list.
	GetProfiles(ctx context.Context) ([]profile.Profile, error)
}

// Processor is the background-side handler a relay delivers requests to.
type Processor interface {
	Process(ctx context.Context, req ProcessRequest, sink UpdateSink) ProcessResult
	Cancel(streamID string) bool
}

// ProfileSource supplies the persisted profiles for getProfiles calls.
type ProfileSource interface {
	Profiles() []profile.Profile
}
