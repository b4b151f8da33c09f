package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"pagerelay/internal/provider"
)

func TestCompleteConcatenatesPrompt(t *testing.T) {
	var captured map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"response":"short answer","done":true}`)
	}))
	defer ts.Close()

	a, err := New(ts.Client())
	require.NoError(t, err)

	got, err := a.Complete(context.Background(), provider.Request{
		Endpoint:     ts.URL,
		Model:        "llama3",
		SystemPrompt: "Answer briefly.",
		UserPrompt:   "Focus on animals.",
		Text:         "The quick brown fox.",
	})
	require.NoError(t, err)
	require.Equal(t, "short answer", got)

	require.Equal(t, "llama3", captured["model"])
	require.Equal(t, "Answer briefly.\n\nFocus on animals.\n\nThe quick brown fox.", captured["prompt"])
	require.Equal(t, false, captured["stream"])
}

func TestCompleteSkipsEmptyPromptParts(t *testing.T) {
	var captured map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"response":"ok","done":true}`)
	}))
	defer ts.Close()

	a, err := New(ts.Client())
	require.NoError(t, err)

	_, err = a.Complete(context.Background(), provider.Request{
		Endpoint:     ts.URL,
		Model:        "llama3",
		SystemPrompt: "Answer briefly.",
		Text:         "The quick brown fox.",
	})
	require.NoError(t, err)
	require.Equal(t, "Answer briefly.\n\nThe quick brown fox.", captured["prompt"])
}

func TestNoAuthHeaderWithoutKey(t *testing.T) {
	var auth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"response":"ok","done":true}`)
	}))
	defer ts.Close()

	a, err := New(ts.Client())
	require.NoError(t, err)

	_, err = a.Complete(context.Background(), provider.Request{
		Endpoint: ts.URL, Model: "m", SystemPrompt: "s", Text: "t",
	})
	require.NoError(t, err)
	require.Empty(t, auth)
}

func TestStreamAccumulatesLines(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"He","done":false}`)
		fmt.Fprintln(w, `{"response":"y","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	defer ts.Close()

	a, err := New(ts.Client())
	require.NoError(t, err)

	var seen []string
	got, err := a.Stream(context.Background(), provider.Request{
		Endpoint: ts.URL, Model: "m", SystemPrompt: "s", Text: "t", Streaming: true,
	}, func(cumulative string) error {
		seen = append(seen, cumulative)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"He", "Hey"}, seen)
	require.Equal(t, "Hey", got)
}

func TestStreamStopReturnsPartial(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"He","done":false}`)
		fmt.Fprintln(w, `{"response":"y","done":true}`)
	}))
	defer ts.Close()

	a, err := New(ts.Client())
	require.NoError(t, err)

	got, err := a.Stream(context.Background(), provider.Request{
		Endpoint: ts.URL, Model: "m", SystemPrompt: "s", Text: "t", Streaming: true,
	}, func(string) error {
		return provider.ErrStopStream
	})
	require.NoError(t, err)
	require.Equal(t, "He", got)
}

func TestStreamMalformedLine(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{broken`)
	}))
	defer ts.Close()

	a, err := New(ts.Client())
	require.NoError(t, err)

	_, err = a.Stream(context.Background(), provider.Request{
		Endpoint: ts.URL, Model: "m", SystemPrompt: "s", Text: "t", Streaming: true,
	}, func(string) error { return nil })
	require.Error(t, err)
	require.ErrorIs(t, err, provider.ErrUpstream)
}

func TestUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model \"missing\" not found"}`)
	}))
	defer ts.Close()

	a, err := New(ts.Client())
	require.NoError(t, err)

	_, err = a.Complete(context.Background(), provider.Request{
		Endpoint: ts.URL, Model: "missing", SystemPrompt: "s", Text: "t",
	})
	require.Error(t, err)
	require.ErrorIs(t, err, provider.ErrUpstream)
	require.Contains(t, err.Error(), "not found")
}
