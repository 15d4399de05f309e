// Package cloud implements the cloud backend adapter (C4): an
// OpenRouter-compatible HTTPS client. Grounded on
// provider/openrouter/openrouter.go's Endpoint, trimmed from the
// teacher's full OpenAI-surface conversion down to chat/list_models and
// generalized to the closed tier-error taxonomy.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rigrun/rigrun/types"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Identity carries the optional "site" headers OpenRouter uses for
// quota attribution. Either field may be empty.
type Identity struct {
	Referer string
	Title   string
}

// Config configures the Adapter. APIKey falling back to the
// OPENROUTER_API_KEY environment variable is the caller's
// responsibility (ResolveAPIKey below), matching the spec's "absence
// maps to NotConfigured" contract: the adapter itself never reads the
// environment.
type Config struct {
	BaseURL  string
	APIKey   string
	Identity Identity
	Timeout  time.Duration
}

// ResolveAPIKey returns cfg's explicit key, falling back to
// OPENROUTER_API_KEY. Returns "" if neither is set, which the Adapter
// reports as NotConfigured rather than an error.
func ResolveAPIKey(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv("OPENROUTER_API_KEY")
}

// Adapter is the Cloud Backend Adapter (C4). It does not cache, retry,
// or compute cost — those belong to the Router and Stats components.
type Adapter struct {
	baseURL    string
	apiKey     string
	identity   Identity
	httpClient *http.Client
}

// New builds an Adapter. An empty APIKey is valid: the adapter is
// still constructed, but every operation returns ErrNotConfigured until
// the Router tries to use it, matching the spec's "NotConfigured is not
// an error in itself" contract.
func New(cfg Config) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Adapter{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     cfg.APIKey,
		identity:   cfg.Identity,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether a credential is present.
func (a *Adapter) Configured() bool { return a.apiKey != "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		Delta        chatMessage `json:"delta"`
		FinishReason *string     `json:"finish_reason"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

func toChatMessages(messages []types.Message) []chatMessage {
	out := make([]chatMessage, len(messages))
	for i, m := range messages {
		out[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func (a *Adapter) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	endpoint, err := url.JoinPath(a.baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("build endpoint path: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	if a.identity.Referer != "" {
		req.Header.Set("HTTP-Referer", a.identity.Referer)
	}
	if a.identity.Title != "" {
		req.Header.Set("X-Title", a.identity.Title)
	}
	return req, nil
}

// Chat performs one non-streaming chat completion via OpenRouter.
func (a *Adapter) Chat(ctx context.Context, model string, messages []types.Message) (types.Response, error) {
	if !a.Configured() {
		return types.Response{}, types.NewErrNotConfigured()
	}

	body, err := json.Marshal(chatRequest{Model: model, Messages: toChatMessages(messages)})
	if err != nil {
		return types.Response{}, err
	}

	req, err := a.newRequest(ctx, http.MethodPost, "chat/completions", body)
	if err != nil {
		return types.Response{}, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return types.Response{}, mapNetworkErr(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Response{}, types.NewErrNetwork(err.Error())
	}

	if err := mapStatus(resp.StatusCode, respBody, model); err != nil {
		return types.Response{}, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return types.Response{}, types.NewErrAPI(resp.StatusCode, "malformed response body")
	}
	if len(parsed.Choices) == 0 {
		return types.Response{}, types.NewErrAPI(resp.StatusCode, "response had no choices")
	}

	return types.Response{
		Text:             parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		Model:            parsed.Model,
	}, nil
}

// ChatStream performs one streaming chat completion. OpenRouter streams
// OpenAI-style SSE "data: {...}" lines terminated by "data: [DONE]".
func (a *Adapter) ChatStream(ctx context.Context, model string, messages []types.Message, sink func(types.StreamChunk)) error {
	if !a.Configured() {
		return types.NewErrNotConfigured()
	}

	body, err := json.Marshal(chatRequest{Model: model, Messages: toChatMessages(messages), Stream: true})
	if err != nil {
		return err
	}

	req, err := a.newRequest(ctx, http.MethodPost, "chat/completions", body)
	if err != nil {
		return err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return mapNetworkErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return mapStatus(resp.StatusCode, respBody, model)
	}

	scanner := newLineScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			sink(types.StreamChunk{Done: true})
			return nil
		}

		var frame chatResponse
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			return types.NewErrAPI(0, "malformed stream frame")
		}
		if len(frame.Choices) == 0 {
			continue
		}
		done := frame.Choices[0].FinishReason != nil
		sink(types.StreamChunk{Text: frame.Choices[0].Delta.Content, Done: done})
		if done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return types.NewErrNetwork(err.Error())
	}
	return nil
}

// CloudModel is a constant alias the HTTP surface advertises without
// ever contacting the cloud backend (C8 requires /v1/models to never
// reach out over the network).
type CloudModel struct {
	ID string
}

// KnownModels is the fixed alias set C8 merges into /v1/models. It is
// not queried from OpenRouter at request time.
func KnownModels() []CloudModel {
	return []CloudModel{
		{ID: "openrouter/auto"},
		{ID: "anthropic/claude-3.5-sonnet"},
		{ID: "openai/gpt-4o"},
	}
}

func mapNetworkErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return types.NewErrTimeout("cloud chat", 0)
	}
	return types.NewErrNetwork(err.Error())
}

func mapStatus(status int, body []byte, model string) error {
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return types.NewErrAuth(snippet(body))
	case http.StatusTooManyRequests:
		return types.NewErrRateLimited(0)
	case http.StatusNotFound:
		return types.NewErrModelNotFound(model)
	default:
		return types.NewErrAPI(status, snippet(body))
	}
}

func snippet(body []byte) string {
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}
