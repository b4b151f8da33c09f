// Package session holds the page-side state machine: at most one active
// processing session per page context, with staleness-checked update
// delivery and fire-and-forget cancellation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"pagerelay/internal/profile"
	"pagerelay/internal/relay"
	"pagerelay/internal/stream"
)

// State is the lifecycle position of the page's session.
type State int

const (
	StateIdle State = iota
	StateAwaitingInput
	StateProcessing
	StateCompleted
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingInput:
		return "awaiting-input"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNoSession is returned when Process is called with no session open.
var ErrNoSession = errors.New("no open session")

// Controller owns the currently-displayed session, if any. Render, when set,
// receives the cumulative content after every accepted update so the UI can
// repaint.
type Controller struct {
	client relay.Client
	render func(content string)

	mu        sync.Mutex
	state     State
	currentID string
	prof      profile.Profile
	text      string
	content   string
	lastError string
}

// NewController builds a controller for one page context. render may be nil.
func NewController(client relay.Client, render func(content string)) *Controller {
	return &Controller{
		client: client,
		render: render,
		state:  StateIdle,
	}
}

// Open starts a new session over the given profile and page text, tearing
// down any previous one along the way. When the profile asks for immediate
// processing the request starts right away with the profile's own prompt.
func (c *Controller) Open(ctx context.Context, p profile.Profile, text string) (relay.ProcessResult, error) {
	c.closeCurrent(ctx)

	c.mu.Lock()
	c.state = StateAwaitingInput
	c.prof = p
	c.text = text
	c.content = ""
	c.lastError = ""
	c.mu.Unlock()

	if !p.ProcessImmediately {
		return relay.ProcessResult{}, nil
	}
	return c.Process(ctx, p.UserPrompt, true)
}

// Process starts (or restarts) a request for the open session. A new stream
// id supersedes whatever was in flight: the old stream is cancelled
// fire-and-forget and its late updates fail the staleness check.
func (c *Controller) Process(ctx context.Context, userPrompt string, streaming bool) (relay.ProcessResult, error) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return relay.ProcessResult{}, ErrNoSession
	}

	superseded := c.currentID
	streamID := stream.NewID()
	c.currentID = streamID
	c.state = StateProcessing
	c.content = ""
	c.lastError = ""
	req := relay.ProcessRequest{
		Profile:    c.prof,
		UserPrompt: userPrompt,
		Text:       c.text,
		Streaming:  streaming,
		StreamID:   streamID,
	}
	c.mu.Unlock()

	if superseded != "" {
		c.cancelQuietly(ctx, superseded)
	}

	result, err := c.client.Process(ctx, req)
	if err != nil {
		// Relay transport failure: recover the UI rather than sticking on
		// "processing".
		c.mu.Lock()
		if c.currentID == streamID {
			c.state = StateErrored
			c.lastError = err.Error()
		}
		c.mu.Unlock()
		return relay.ProcessResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentID != streamID {
		// A newer request superseded this one while it was in flight; its
		// outcome no longer belongs to the session.
		return result, nil
	}
	if result.Success {
		c.state = StateCompleted
		c.content = result.Response
	} else {
		c.state = StateErrored
		c.lastError = result.Error
	}
	return result, nil
}

// OnUpdate accepts a streamUpdate from the relay. Updates for anything but
// the current stream id are discarded silently; they belong to a cancelled
// or superseded session. Returns whether the update was rendered.
func (c *Controller) OnUpdate(u relay.StreamUpdate) bool {
	c.mu.Lock()
	if u.StreamID != c.currentID || c.state != StateProcessing {
		c.mu.Unlock()
		return false
	}
	c.content = u.Content
	render := c.render
	c.mu.Unlock()

	if render != nil {
		render(u.Content)
	}
	return true
}

// Close tears the session down: cancels any in-flight stream fire-and-forget
// and returns to idle. Closing an idle controller is a no-op.
func (c *Controller) Close(ctx context.Context) {
	c.closeCurrent(ctx)

	c.mu.Lock()
	c.state = StateIdle
	c.prof = profile.Profile{}
	c.text = ""
	c.content = ""
	c.lastError = ""
	c.mu.Unlock()
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Content returns the most recently rendered content.
func (c *Controller) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content
}

// LastError returns the error text of the last failed request.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// CurrentStreamID exposes the stream id the session currently owns, empty
// when nothing is in flight.
func (c *Controller) CurrentStreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentID
}

func (c *Controller) closeCurrent(ctx context.Context) {
	c.mu.Lock()
	id := c.currentID
	c.currentID = ""
	hadContent := c.content != ""
	processing := c.state == StateProcessing
	if processing {
		if hadContent {
			c.state = StateCancelled
		} else {
			// Nothing was produced; the session ends with nothing to render.
			c.state = StateErrored
			c.lastError = "cancelled before any content arrived"
		}
	}
	c.mu.Unlock()

	if id != "" {
		c.cancelQuietly(ctx, id)
	}
}

// cancelQuietly sends cancelStream without letting delivery failures block
// UI teardown.
func (c *Controller) cancelQuietly(ctx context.Context, streamID string) {
	found, err := c.client.CancelStream(ctx, streamID)
	if err != nil {
		slog.Warn("cancel delivery failed", "stream_id", streamID, "err", err)
		return
	}
	if !found {
		slog.Debug("cancel for unknown stream", "stream_id", streamID)
	}
}
