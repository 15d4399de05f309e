package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rigrun/rigrun/types"
)

// LMStudioDriver implements Driver against an LM Studio OpenAI-compatible
// server. Grounded on the teacher's LMStudioProvider: same default port
// (1234), same /v1/models and /v1/chat/completions shapes as vLLM,
// generalized to the shared Driver contract (local_driver: lmstudio).
type LMStudioDriver struct {
	baseURL    string
	httpClient *http.Client
}

// NewLMStudioDriver builds a driver talking to baseURL.
func NewLMStudioDriver(baseURL string, httpClient *http.Client) *LMStudioDriver {
	if baseURL == "" {
		baseURL = "http://localhost:1234"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &LMStudioDriver{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
}

func (d *LMStudioDriver) IsUp(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lmstudio probe returned status %d", resp.StatusCode)
	}
	return nil
}

type lmstudioModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (d *LMStudioDriver) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, NewAPIStatusError(resp.StatusCode, bodySnippet(resp.Body))
	}

	var parsed lmstudioModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	models := make([]Model, len(parsed.Data))
	for i, m := range parsed.Data {
		models[i] = Model{Name: m.ID}
	}
	return models, nil
}

// EnsureModel is a no-op: LM Studio models are loaded through its own
// desktop UI or CLI, not pulled by an HTTP call a router can drive.
func (d *LMStudioDriver) EnsureModel(ctx context.Context, name string, sink func(PullProgress)) error {
	sink(PullProgress{Status: "lmstudio models are loaded via its own UI; nothing to pull"})
	return nil
}

type lmstudioChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type lmstudioChatRequest struct {
	Model    string                `json:"model"`
	Messages []lmstudioChatMessage `json:"messages"`
	Stream   bool                  `json:"stream"`
}

type lmstudioUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type lmstudioChatResponse struct {
	Choices []struct {
		Message      lmstudioChatMessage `json:"message"`
		Delta        lmstudioChatMessage `json:"delta"`
		FinishReason *string             `json:"finish_reason"`
	} `json:"choices"`
	Usage lmstudioUsage `json:"usage"`
}

func toLMStudioMessages(messages []types.Message) []lmstudioChatMessage {
	out := make([]lmstudioChatMessage, len(messages))
	for i, m := range messages {
		out[i] = lmstudioChatMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func (d *LMStudioDriver) Chat(ctx context.Context, model string, messages []types.Message) (types.Response, error) {
	reqBody, err := json.Marshal(lmstudioChatRequest{Model: model, Messages: toLMStudioMessages(messages), Stream: false})
	if err != nil {
		return types.Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return types.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return types.Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return types.Response{}, NewModelMissingError(model)
	}
	if resp.StatusCode != http.StatusOK {
		return types.Response{}, NewAPIStatusError(resp.StatusCode, bodySnippet(resp.Body))
	}

	var parsed lmstudioChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return types.Response{}, NewAPIStatusError(0, "malformed chat response: "+err.Error())
	}
	if len(parsed.Choices) == 0 {
		return types.Response{}, NewAPIStatusError(0, "chat response had no choices")
	}

	return types.Response{
		Text:             parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		Model:            model,
	}, nil
}

func (d *LMStudioDriver) ChatStream(ctx context.Context, model string, messages []types.Message, sink func(types.StreamChunk)) error {
	reqBody, err := json.Marshal(lmstudioChatRequest{Model: model, Messages: toLMStudioMessages(messages), Stream: true})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return NewModelMissingError(model)
	}
	if resp.StatusCode != http.StatusOK {
		return NewAPIStatusError(resp.StatusCode, bodySnippet(resp.Body))
	}

	reader := newSSEReader(resp.Body)
	for {
		line, err := reader.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return NewAPIStatusError(0, "malformed chat stream frame: "+err.Error())
		}
		if line == "[DONE]" {
			sink(types.StreamChunk{Done: true})
			return nil
		}

		var frame lmstudioChatResponse
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			return NewAPIStatusError(0, "malformed chat stream frame: "+err.Error())
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
}
