package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pagerelay/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "pagerelay/0.1"

	defaultEndpoint = "http://localhost:11434/api/generate"
)

// Adapter implements the provider contract for Ollama-compatible generate
// APIs. Ollama takes a single prompt string and streams newline-delimited
// JSON rather than SSE.
type Adapter struct {
	client *http.Client
}

// New constructs an Ollama-compatible adapter using the supplied client.
func New(client *http.Client) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	return &Adapter{client: client}, nil
}

func (a *Adapter) Name() string {
	return "ollama"
}

func (a *Adapter) Complete(ctx context.Context, req provider.Request) (string, error) {
	httpReq, err := a.newRequest(ctx, req)
	if err != nil {
		return "", err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: ollama request failed: %v", provider.ErrUpstream, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return "", parseAPIError(httpResp)
	}

	var resp generateChunk
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("%w: decode ollama response: %v", provider.ErrUpstream, err)
	}
	return resp.Response, nil
}

func (a *Adapter) Stream(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (string, error) {
	httpReq, err := a.newRequest(ctx, req)
	if err != nil {
		return "", err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: ollama request failed: %v", provider.ErrUpstream, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return "", parseAPIError(httpResp)
	}

	var total strings.Builder
	reader := bufio.NewReader(httpResp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return total.String(), fmt.Errorf("%w: read ollama stream: %v", provider.ErrUpstream, err)
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var chunk generateChunk
			if jsonErr := json.Unmarshal(trimmed, &chunk); jsonErr != nil {
				return total.String(), fmt.Errorf("%w: malformed ollama stream line: %v", provider.ErrUpstream, jsonErr)
			}

			if chunk.Response != "" {
				total.WriteString(chunk.Response)
				if cbErr := onDelta(total.String()); cbErr != nil {
					if errors.Is(cbErr, provider.ErrStopStream) {
						return total.String(), nil
					}
					return total.String(), cbErr
				}
			}
			if chunk.Done {
				return total.String(), nil
			}
		}

		if err == io.EOF {
			return total.String(), nil
		}
	}
}

func (a *Adapter) newRequest(ctx context.Context, req provider.Request) (*http.Request, error) {
	body, err := json.Marshal(buildPayload(req))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	endpoint := strings.TrimSpace(req.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", contentTypeJSON)
	httpReq.Header.Set("User-Agent", userAgent)
	// Local Ollama needs no credentials; pass a key through only when the
	// profile has one, for authenticating proxies in front of it.
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}
	return httpReq, nil
}

// buildPayload concatenates system prompt, user prompt and content into one
// blank-line-separated prompt string.
func buildPayload(req provider.Request) map[string]any {
	parts := make([]string, 0, 3)
	for _, part := range []string{req.SystemPrompt, req.UserPrompt, req.Text} {
		if strings.TrimSpace(part) != "" {
			parts = append(parts, part)
		}
	}

	payload := provider.MergeOptions(map[string]any{
		"model":  req.Model,
		"prompt": strings.Join(parts, "\n\n"),
	}, req.ExtraOptions)
	payload["stream"] = req.Streaming
	return payload
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type apiErrorResponse struct {
	Error string `json:"error"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%w: upstream status %d and failed to read body: %v", provider.ErrUpstream, resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("%w: ollama error: %s", provider.ErrUpstream, apiErr.Error)
	}
	return fmt.Errorf("%w: upstream status %d: %s", provider.ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
}
