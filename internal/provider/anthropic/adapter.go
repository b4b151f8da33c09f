package anthropic

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
	apiVersion      = "2023-06-01"

	defaultEndpoint = "https://api.anthropic.com/v1/messages"
	placeholderKey  = "no-key"

	// The messages API mandates max_tokens; this default applies whenever the
	// profile's extra options don't supply one.
	defaultMaxTokens = 4096
)

// Adapter implements the provider contract for Anthropic-compatible
// messages APIs.
type Adapter struct {
	client *http.Client
}

// New constructs an Anthropic-compatible adapter using the supplied client.
func New(client *http.Client) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	return &Adapter{client: client}, nil
}

func (a *Adapter) Name() string {
	return "anthropic"
}

func (a *Adapter) Complete(ctx context.Context, req provider.Request) (string, error) {
	httpReq, err := a.newRequest(ctx, req)
	if err != nil {
		return "", err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: anthropic request failed: %v", provider.ErrUpstream, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return "", parseAPIError(httpResp)
	}

	var resp messageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("%w: decode anthropic response: %v", provider.ErrUpstream, err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("%w: anthropic response missing content blocks", provider.ErrUpstream)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		text.WriteString(block.Text)
	}
	return text.String(), nil
}

func (a *Adapter) Stream(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (string, error) {
	httpReq, err := a.newRequest(ctx, req)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: anthropic request failed: %v", provider.ErrUpstream, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return "", parseAPIError(httpResp)
	}

	var total strings.Builder
	reader := bufio.NewReader(httpResp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return total.String(), nil
			}
			return total.String(), fmt.Errorf("%w: read anthropic stream: %v", provider.ErrUpstream, err)
		}

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return total.String(), fmt.Errorf("%w: malformed anthropic stream event: %v", provider.ErrUpstream, err)
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text == "" {
				continue
			}
			total.WriteString(event.Delta.Text)
			if err := onDelta(total.String()); err != nil {
				if errors.Is(err, provider.ErrStopStream) {
					return total.String(), nil
				}
				return total.String(), err
			}
		case "message_stop":
			return total.String(), nil
		case "error":
			return total.String(), fmt.Errorf("%w: anthropic error (%s): %s",
				provider.ErrUpstream, event.Error.Type, event.Error.Message)
		default:
			// message_start, ping and friends carry no text.
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

	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = placeholderKey
	}

	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", contentTypeJSON)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

// buildPayload assembles [user-prompt?, content] with the system prompt as a
// top-level field. max_tokens defaults to 4096 but remains overridable
// through extra options, unlike the computed fields.
func buildPayload(req provider.Request) map[string]any {
	messages := make([]map[string]any, 0, 2)
	if strings.TrimSpace(req.UserPrompt) != "" {
		messages = append(messages, map[string]any{"role": "user", "content": req.UserPrompt})
	}
	messages = append(messages, map[string]any{"role": "user", "content": req.Text})

	base := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		base["system"] = req.SystemPrompt
	}

	payload := provider.MergeOptions(base, req.ExtraOptions)
	if _, ok := payload["max_tokens"]; !ok {
		payload["max_tokens"] = defaultMaxTokens
	}
	payload["stream"] = req.Streaming
	return payload
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messageResponse struct {
	Content []contentBlock `json:"content"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%w: upstream status %d and failed to read body: %v", provider.ErrUpstream, resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("%w: anthropic error (%s): %s", provider.ErrUpstream, apiErr.Error.Type, apiErr.Error.Message)
	}
	return fmt.Errorf("%w: upstream status %d: %s", provider.ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
}
