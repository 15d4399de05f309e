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

// VLLMDriver implements Driver against a vLLM OpenAI-compatible server.
// Grounded on the teacher's VLLMProvider, generalized from the
// standalone Provider interface to the shared local Driver contract so
// it is selectable by config (local_driver: vllm) alongside Ollama.
type VLLMDriver struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewVLLMDriver builds a driver talking to baseURL. apiKey may be empty
// for deployments with no bearer-token auth in front of vLLM.
func NewVLLMDriver(baseURL, apiKey string, httpClient *http.Client) *VLLMDriver {
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &VLLMDriver{baseURL: strings.TrimSuffix(baseURL, "/"), apiKey: apiKey, httpClient: httpClient}
}

func (d *VLLMDriver) authorize(req *http.Request) {
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
}

func (d *VLLMDriver) IsUp(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	d.authorize(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vllm probe returned status %d", resp.StatusCode)
	}
	return nil
}

type vllmModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (d *VLLMDriver) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	d.authorize(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, NewAPIStatusError(resp.StatusCode, bodySnippet(resp.Body))
	}

	var parsed vllmModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	models := make([]Model, len(parsed.Data))
	for i, m := range parsed.Data {
		models[i] = Model{Name: m.ID}
	}
	return models, nil
}

// EnsureModel is a no-op for vLLM: the server is launched with a fixed
// model already loaded, there is no pull-on-demand concept. A missing
// model here means operator misconfiguration, not a recoverable state.
func (d *VLLMDriver) EnsureModel(ctx context.Context, name string, sink func(PullProgress)) error {
	sink(PullProgress{Status: "vllm serves a fixed model set; nothing to pull"})
	return nil
}

type vllmChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type vllmChatRequest struct {
	Model    string             `json:"model"`
	Messages []vllmChatMessage  `json:"messages"`
	Stream   bool               `json:"stream"`
}

type vllmUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type vllmChatResponse struct {
	Choices []struct {
		Message      vllmChatMessage `json:"message"`
		Delta        vllmChatMessage `json:"delta"`
		FinishReason *string         `json:"finish_reason"`
	} `json:"choices"`
	Usage vllmUsage `json:"usage"`
}

func toVLLMMessages(messages []types.Message) []vllmChatMessage {
	out := make([]vllmChatMessage, len(messages))
	for i, m := range messages {
		out[i] = vllmChatMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func (d *VLLMDriver) Chat(ctx context.Context, model string, messages []types.Message) (types.Response, error) {
	reqBody, err := json.Marshal(vllmChatRequest{Model: model, Messages: toVLLMMessages(messages), Stream: false})
	if err != nil {
		return types.Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return types.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	d.authorize(req)

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

	var parsed vllmChatResponse
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

func (d *VLLMDriver) ChatStream(ctx context.Context, model string, messages []types.Message, sink func(types.StreamChunk)) error {
	reqBody, err := json.Marshal(vllmChatRequest{Model: model, Messages: toVLLMMessages(messages), Stream: true})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	d.authorize(req)

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

	// vLLM streams OpenAI-style "data: {...}" SSE lines terminated by
	// "data: [DONE]", not bare newline-delimited JSON like Ollama.
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

		var frame vllmChatResponse
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
