package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rigrun/rigrun/types"
)

// OllamaDriver implements Driver against an Ollama-compatible daemon.
// Grounded directly on the teacher's OllamaProvider: same endpoints
// (/api/tags, /api/pull, /api/chat), same newline-delimited JSON
// decoding for streaming, generalized to the Driver interface so
// vllm/lmstudio can sit alongside it.
type OllamaDriver struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaDriver builds a driver talking to baseURL (defaulting to the
// standard Ollama loopback address).
func NewOllamaDriver(baseURL string, httpClient *http.Client) *OllamaDriver {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OllamaDriver{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
}

func (d *OllamaDriver) IsUp(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama probe returned status %d", resp.StatusCode)
	}
	return nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		ModifiedAt time.Time `json:"modified_at"`
		Size       int64     `json:"size"`
	} `json:"models"`
}

func (d *OllamaDriver) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/tags", nil)
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

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}

	models := make([]Model, len(tags.Models))
	for i, m := range tags.Models {
		models[i] = Model{Name: m.Name, ModifiedAt: m.ModifiedAt, SizeBytes: m.Size}
	}
	return models, nil
}

type ollamaPullFrame struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

func (d *OllamaDriver) EnsureModel(ctx context.Context, name string, sink func(PullProgress)) error {
	body, err := json.Marshal(map[string]any{"name": name, "stream": true})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return NewAPIStatusError(resp.StatusCode, bodySnippet(resp.Body))
	}

	decoder := json.NewDecoder(resp.Body)
	for {
		var frame ollamaPullFrame
		if err := decoder.Decode(&frame); err != nil {
			if err == io.EOF {
				return nil
			}
			return NewAPIStatusError(0, "malformed pull frame: "+err.Error())
		}
		sink(PullProgress{Status: frame.Status, Digest: frame.Digest, Total: frame.Total, Completed: frame.Completed})
		if frame.Status == "success" {
			return nil
		}
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	TotalDuration   int64         `json:"total_duration"` // nanoseconds
}

func toOllamaMessages(messages []types.Message) []ollamaMessage {
	out := make([]ollamaMessage, len(messages))
	for i, m := range messages {
		out[i] = ollamaMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func (d *OllamaDriver) Chat(ctx context.Context, model string, messages []types.Message) (types.Response, error) {
	reqBody, err := json.Marshal(ollamaChatRequest{Model: model, Messages: toOllamaMessages(messages), Stream: false})
	if err != nil {
		return types.Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/chat", bytes.NewReader(reqBody))
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

	var ollamaResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return types.Response{}, NewAPIStatusError(0, "malformed chat response: "+err.Error())
	}

	return types.Response{
		Text:             ollamaResp.Message.Content,
		PromptTokens:     ollamaResp.PromptEvalCount,
		CompletionTokens: ollamaResp.EvalCount,
		Model:            model,
	}, nil
}

func (d *OllamaDriver) ChatStream(ctx context.Context, model string, messages []types.Message, sink func(types.StreamChunk)) error {
	reqBody, err := json.Marshal(ollamaChatRequest{Model: model, Messages: toOllamaMessages(messages), Stream: true})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/chat", bytes.NewReader(reqBody))
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

	decoder := json.NewDecoder(resp.Body)
	for {
		var frame ollamaChatResponse
		if err := decoder.Decode(&frame); err != nil {
			if err == io.EOF {
				return nil
			}
			return NewAPIStatusError(0, "malformed chat stream frame: "+err.Error())
		}

		sink(types.StreamChunk{Text: frame.Message.Content, Done: frame.Done})
		if frame.Done {
			return nil
		}
	}
}

func bodySnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 256))
	return string(data)
}
