package factory

import (
	"net"
	"net/http"
	"time"

	"pagerelay/internal/profile"
	"pagerelay/internal/provider"
	anthropicAdapter "pagerelay/internal/provider/anthropic"
	ollamaAdapter "pagerelay/internal/provider/ollama"
	openaiAdapter "pagerelay/internal/provider/openai"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Set maps profile types to their adapters. One adapter per provider family,
// sharing a pooled HTTP client; per-profile credentials and endpoints travel
// in the request.
type Set struct {
	adapters map[string]provider.Adapter
}

// New constructs the full adapter set.
func New() (*Set, error) {
	client := newHTTPClient()

	openAI, err := openaiAdapter.New(client)
	if err != nil {
		return nil, err
	}
	anthropic, err := anthropicAdapter.New(client)
	if err != nil {
		return nil, err
	}
	ollama, err := ollamaAdapter.New(client)
	if err != nil {
		return nil, err
	}

	return &Set{
		adapters: map[string]provider.Adapter{
			profile.TypeOpenAI:    openAI,
			profile.TypeAnthropic: anthropic,
			profile.TypeOllama:    ollama,
		},
	}, nil
}

// ForType resolves the adapter for a profile type.
func (s *Set) ForType(ptype string) (provider.Adapter, bool) {
	a, ok := s.adapters[ptype]
	return a, ok
}

// newHTTPClient builds the shared client. There is deliberately no overall
// request timeout: a streaming response stays open as long as the provider
// keeps producing, and a stalled stream hangs until the user cancels.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}
