package openai

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

	defaultEndpoint = "https://api.openai.com/v1/chat/completions"

	// Sent when the profile carries no key so the Authorization header is
	// still well-formed for keyless OpenAI-compatible routers.
	placeholderKey = "sk-no-key"
)

// Adapter implements the provider contract for OpenAI-compatible chat
// completion APIs.
type Adapter struct {
	client *http.Client
}

// New constructs an OpenAI-compatible adapter using the supplied client.
func New(client *http.Client) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	return &Adapter{client: client}, nil
}

func (a *Adapter) Name() string {
	return "openai"
}

func (a *Adapter) Complete(ctx context.Context, req provider.Request) (string, error) {
	httpReq, err := a.newRequest(ctx, req)
	if err != nil {
		return "", err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: openai request failed: %v", provider.ErrUpstream, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return "", parseAPIError(httpResp)
	}

	var resp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("%w: decode openai response: %v", provider.ErrUpstream, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: openai response did not include choices", provider.ErrUpstream)
	}
	return resp.Choices[0].Message.Content, nil
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
		return "", fmt.Errorf("%w: openai request failed: %v", provider.ErrUpstream, err)
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
			return total.String(), fmt.Errorf("%w: read openai stream: %v", provider.ErrUpstream, err)
		}

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return total.String(), nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return total.String(), fmt.Errorf("%w: malformed openai stream chunk: %v", provider.ErrUpstream, err)
		}
		fragment := chunk.content()
		if fragment == "" {
			continue
		}

		total.WriteString(fragment)
		if err := onDelta(total.String()); err != nil {
			if errors.Is(err, provider.ErrStopStream) {
				return total.String(), nil
			}
			return total.String(), err
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
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	return httpReq, nil
}

// buildPayload assembles [system?, user-prompt?, content] and merges the
// profile's extra options underneath the computed fields.
func buildPayload(req provider.Request) map[string]any {
	messages := make([]map[string]string, 0, 3)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	if strings.TrimSpace(req.UserPrompt) != "" {
		messages = append(messages, map[string]string{"role": "user", "content": req.UserPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Text})

	payload := provider.MergeOptions(map[string]any{
		"model":    req.Model,
		"messages": messages,
	}, req.ExtraOptions)
	payload["stream"] = req.Streaming
	return payload
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c streamChunk) content() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%w: upstream status %d and failed to read body: %v", provider.ErrUpstream, resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("%w: openai error (%s): %s", provider.ErrUpstream, apiErr.Error.Type, apiErr.Error.Message)
	}
	return fmt.Errorf("%w: upstream status %d: %s", provider.ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
}
