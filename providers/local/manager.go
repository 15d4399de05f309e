package local

import (
	"fmt"
	"net/http"
)

// DriverKind selects which local daemon integration EnsureDriver builds.
// Ollama is the default the spec names; vllm and lmstudio are carried
// alternates selectable by config.
type DriverKind string

const (
	DriverOllama   DriverKind = "ollama"
	DriverVLLM     DriverKind = "vllm"
	DriverLMStudio DriverKind = "lmstudio"
)

// Config selects and configures a single local driver. Only one driver
// is active per Adapter: the spec's Local Backend Adapter is a single
// tier, not a pool of local endpoints to load-balance across.
type Config struct {
	Driver  DriverKind `json:"driver" yaml:"driver"`
	BaseURL string     `json:"base_url" yaml:"base_url"`
	APIKey  string     `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// NewDriver builds the Driver named by cfg.Driver, defaulting to Ollama
// when unset.
func NewDriver(cfg Config, httpClient *http.Client) (Driver, error) {
	switch cfg.Driver {
	case "", DriverOllama:
		return NewOllamaDriver(cfg.BaseURL, httpClient), nil
	case DriverVLLM:
		return NewVLLMDriver(cfg.BaseURL, cfg.APIKey, httpClient), nil
	case DriverLMStudio:
		return NewLMStudioDriver(cfg.BaseURL, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown local driver %q", cfg.Driver)
	}
}
