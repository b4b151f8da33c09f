package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"pagerelay/internal/config"
	"pagerelay/internal/profile"
	"pagerelay/internal/relay"
)

type fakeProcessor struct {
	gotReq    relay.ProcessRequest
	deltas    []string
	result    relay.ProcessResult
	cancelled []string
	cancelOK  bool
}

func (f *fakeProcessor) Process(_ context.Context, req relay.ProcessRequest, sink relay.UpdateSink) relay.ProcessResult {
	f.gotReq = req
	for _, d := range f.deltas {
		sink.SendUpdate(relay.StreamUpdate{Content: d, StreamID: req.StreamID})
	}
	return f.result
}

func (f *fakeProcessor) Cancel(streamID string) bool {
	f.cancelled = append(f.cancelled, streamID)
	return f.cancelOK
}

type fakeStore struct {
	profiles []profile.Profile
}

func (f *fakeStore) Profiles() []profile.Profile { return f.profiles }

func (f *fakeStore) Lookup(key string) (profile.Profile, bool) {
	for _, p := range f.profiles {
		if p.ID == key || p.Name == key {
			return p, true
		}
	}
	return profile.Profile{}, false
}

func (f *fakeStore) Subscribe(func()) func() { return func() {} }

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.Server.Port = 8080
	cfg.Profiles.Path = "profiles.yaml"
	return cfg
}

func newTestServer(t *testing.T, proc *fakeProcessor, store *fakeStore) *Server {
	t.Helper()
	srv, err := New(testConfig(), proc, store)
	require.NoError(t, err)
	return srv
}

func doJSON(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.app.ServeHTTP(rec, req)
	return rec
}

func TestNewRejectsNilDependencies(t *testing.T) {
	_, err := New(testConfig(), nil, &fakeStore{})
	require.Error(t, err)

	_, err = New(testConfig(), &fakeProcessor{}, nil)
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeProcessor{}, &fakeStore{})
	rec := doJSON(srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestProfilesList(t *testing.T) {
	store := &fakeStore{profiles: []profile.Profile{
		{ID: "p1", Name: "Summarizer", Type: profile.TypeOpenAI, Model: "gpt-5", SystemPrompt: "s"},
	}}
	srv := newTestServer(t, &fakeProcessor{}, store)

	rec := doJSON(srv, http.MethodGet, "/v1/profiles", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Profiles []profile.Profile `json:"profiles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Profiles, 1)
	require.Equal(t, "p1", body.Profiles[0].ID)
}

func TestProcessNonStreamingInlineProfile(t *testing.T) {
	proc := &fakeProcessor{result: relay.ProcessResult{
		Success:  true,
		Response: "summary text",
		StreamID: "s1",
	}}
	srv := newTestServer(t, proc, &fakeStore{})

	payload := `{
		"profile": {"id":"p1","name":"Summarizer","type":"openai","model":"gpt-5","systemPrompt":"s"},
		"text": "The quick brown fox.",
		"isStreaming": false,
		"streamId": "s1"
	}`
	rec := doJSON(srv, http.MethodPost, "/v1/process", payload)
	require.Equal(t, http.StatusOK, rec.Code)

	var result relay.ProcessResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result.Success)
	require.Equal(t, "summary text", result.Response)
	require.Equal(t, "s1", result.StreamID)

	require.Equal(t, "p1", proc.gotReq.Profile.ID)
	require.Equal(t, "The quick brown fox.", proc.gotReq.Text)
	require.False(t, proc.gotReq.Streaming)
}

func TestProcessResolvesProfileByID(t *testing.T) {
	store := &fakeStore{profiles: []profile.Profile{
		{ID: "p1", Name: "Summarizer", Type: profile.TypeOpenAI, Model: "gpt-5", SystemPrompt: "s"},
	}}
	proc := &fakeProcessor{result: relay.ProcessResult{Success: true}}
	srv := newTestServer(t, proc, store)

	rec := doJSON(srv, http.MethodPost, "/v1/process", `{"profileId":"p1","text":"t"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Summarizer", proc.gotReq.Profile.Name)
}

func TestProcessUnknownProfileID(t *testing.T) {
	srv := newTestServer(t, &fakeProcessor{}, &fakeStore{})

	rec := doJSON(srv, http.MethodPost, "/v1/process", `{"profileId":"missing","text":"t"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown profile")
}

func TestProcessRequiresProfile(t *testing.T) {
	srv := newTestServer(t, &fakeProcessor{}, &fakeStore{})

	rec := doJSON(srv, http.MethodPost, "/v1/process", `{"text":"t"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "profile or profileId is required")
}

func TestProcessStreamingEmitsSSE(t *testing.T) {
	proc := &fakeProcessor{
		deltas: []string{"Hello", "Hello world"},
		result: relay.ProcessResult{Success: true, Response: "Hello world", StreamID: "s1"},
	}
	srv := newTestServer(t, proc, &fakeStore{})

	payload := `{
		"profile": {"id":"p1","name":"Summarizer","type":"openai","model":"gpt-5","systemPrompt":"s"},
		"text": "t",
		"isStreaming": true,
		"streamId": "s1"
	}`
	rec := doJSON(srv, http.MethodPost, "/v1/process", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.Equal(t, 2, strings.Count(body, "event: streamUpdate"))
	require.Contains(t, body, `"content":"Hello"`)
	require.Contains(t, body, `"content":"Hello world"`)
	require.Contains(t, body, "event: done")
	require.Contains(t, body, `"success":true`)

	// Updates precede the terminal event.
	require.Less(t, strings.Index(body, "event: streamUpdate"), strings.Index(body, "event: done"))
}

func TestProcessRejectsBadJSON(t *testing.T) {
	srv := newTestServer(t, &fakeProcessor{}, &fakeStore{})

	rec := doJSON(srv, http.MethodPost, "/v1/process", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON payload")

	rec = doJSON(srv, http.MethodPost, "/v1/process", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "request body is required")

	rec = doJSON(srv, http.MethodPost, "/v1/process", `{"text":"t"}{"text":"u"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "single JSON object")
}

func TestCancelKnownStream(t *testing.T) {
	proc := &fakeProcessor{cancelOK: true}
	srv := newTestServer(t, proc, &fakeStore{})

	rec := doJSON(srv, http.MethodPost, "/v1/cancel", `{"streamId":"s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":true}`, rec.Body.String())
	require.Equal(t, []string{"s1"}, proc.cancelled)
}

func TestCancelUnknownStream(t *testing.T) {
	srv := newTestServer(t, &fakeProcessor{}, &fakeStore{})

	rec := doJSON(srv, http.MethodPost, "/v1/cancel", `{"streamId":"nope"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":false}`, rec.Body.String())
}

func TestCancelRequiresStreamID(t *testing.T) {
	srv := newTestServer(t, &fakeProcessor{}, &fakeStore{})

	rec := doJSON(srv, http.MethodPost, "/v1/cancel", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "streamId is required")
}

func TestTrailingSlashRemoved(t *testing.T) {
	srv := newTestServer(t, &fakeProcessor{}, &fakeStore{})
	rec := doJSON(srv, http.MethodGet, "/health/", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
