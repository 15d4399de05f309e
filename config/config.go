// Package config implements the layered configuration loader (C9):
// built-in defaults, overridden by an optional YAML file, overridden in
// turn by environment variables. Ported directly from the teacher's
// config/config.go LoadConfig, narrowed from its multi-provider
// API-key/routing surface to this router's cache/local/cloud/session
// knobs.
package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rigrun/rigrun/cache"
	"github.com/rigrun/rigrun/providers/local"
	"github.com/rigrun/rigrun/routing"
	"github.com/rigrun/rigrun/session"
	"github.com/rigrun/rigrun/utils/env"
)

// Config is the full application configuration.
type Config struct {
	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// Mode is the operator-selected routing policy: local_only, hybrid,
	// cloud_primary, or paranoid.
	Mode routing.Mode `yaml:"mode"`

	// OpenRouterApiKey authenticates Cloud-tier requests. Empty means
	// the Cloud tier is unconfigured, not an error in itself.
	OpenRouterApiKey string `yaml:"-"`

	// OllamaEndpoint is the local daemon's base URL, used when LocalDriver
	// is ollama (the default) or left unset.
	OllamaEndpoint string `yaml:"ollama_endpoint"`

	// LocalDriver selects the local inference integration: ollama, vllm,
	// or lmstudio. Empty defaults to ollama.
	LocalDriver string `yaml:"local_driver"`

	// LocalDriverEndpoint is the base URL for LocalDriver when it isn't
	// ollama. Ollama keeps using OllamaEndpoint for backward compatibility
	// with existing deployments.
	LocalDriverEndpoint string `yaml:"local_driver_endpoint"`

	// LocalDriverAPIKey authenticates the vllm driver, if it requires one.
	LocalDriverAPIKey string `yaml:"-"`

	// CacheMaxEntries and CacheMaxBytes bound the in-memory response
	// cache before LRU eviction kicks in.
	CacheMaxEntries int    `yaml:"cache_max_entries"`
	CacheMaxBytes   int64  `yaml:"cache_max_bytes"`
	CacheTTL        string `yaml:"cache_ttl"`

	// CacheBackendMode selects where cache entries live: memory (the
	// default), redis, or multi_tier (local shard plus a shared Redis
	// instance behind it). Matches cache.BackendMode's values verbatim.
	CacheBackendMode string `yaml:"cache_backend"`

	// RedisAddr is the Redis/Valkey address used when CacheBackendMode is
	// redis or multi_tier.
	RedisAddr string `yaml:"redis_addr"`

	// CachePersistPath, if set, is where the cache is flushed on
	// shutdown and loaded from on startup.
	CachePersistPath string `yaml:"cache_persist_path"`

	// StatsPersistPath, if set, is where cost/savings totals roll up
	// across restarts.
	StatsPersistPath string `yaml:"stats_persist_path"`

	// AuditLogPath, if set, enables the append-only audit trail.
	AuditLogPath   string `yaml:"audit_log_path"`
	AuditEnabled   bool   `yaml:"audit_enabled"`

	// SessionIdleTimeout and SessionWarningBeforeTimeout tune the
	// Session Manager; both are clamped to the DoD STIG hard caps
	// regardless of what is configured here.
	SessionIdleTimeout          string `yaml:"session_idle_timeout"`
	SessionWarningBeforeTimeout string `yaml:"session_warning_before_timeout"`

	// RateLimitRPS and RateLimitBurst govern the HTTP surface's per-IP
	// token bucket.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// LoadConfig loads configuration from path (local file or, per
// CONFIG_SOURCE, a remote URL), then overrides with environment
// variables, matching the teacher's CONFIG_SOURCE/CONFIG_TOKEN and
// per-field env-override convention.
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := Config{
		Port:            8080,
		Mode:            routing.ModeHybrid,
		OllamaEndpoint:  "http://localhost:11434",
		CacheMaxEntries: 10_000,
		CacheMaxBytes:   64 << 20,
		CacheTTL:        "24h",
		AuditEnabled:    true,
		RateLimitRPS:    5,
		RateLimitBurst:  10,
	}

	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")

	if configSource != "" {
		configData, err := loadConfigData(configSource, configToken, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to get config data: %w", err)
		}
		if err := yaml.Unmarshal(configData, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.Mode = routing.Mode(env.OptionalStringVariable("RIGRUN_MODE", string(config.Mode)))
	config.OpenRouterApiKey = env.OptionalStringVariable("OPENROUTER_API_KEY", config.OpenRouterApiKey)
	config.OllamaEndpoint = env.OptionalStringVariable("OLLAMA_ENDPOINT", config.OllamaEndpoint)
	config.LocalDriver = env.OptionalStringVariable("LOCAL_DRIVER", config.LocalDriver)
	config.LocalDriverEndpoint = env.OptionalStringVariable("LOCAL_DRIVER_ENDPOINT", config.LocalDriverEndpoint)
	config.LocalDriverAPIKey = env.OptionalStringVariable("LOCAL_DRIVER_API_KEY", config.LocalDriverAPIKey)
	config.CacheMaxEntries = env.OptionalIntVariable("CACHE_MAX_ENTRIES", config.CacheMaxEntries)
	config.CacheBackendMode = env.OptionalStringVariable("CACHE_BACKEND", config.CacheBackendMode)
	config.RedisAddr = env.OptionalStringVariable("REDIS_ADDR", config.RedisAddr)
	config.CachePersistPath = env.OptionalStringVariable("CACHE_PERSIST_PATH", config.CachePersistPath)
	config.StatsPersistPath = env.OptionalStringVariable("STATS_PERSIST_PATH", config.StatsPersistPath)
	config.AuditLogPath = env.OptionalStringVariable("AUDIT_LOG_PATH", config.AuditLogPath)
	config.AuditEnabled = env.OptionalBoolVariable("AUDIT_ENABLED", config.AuditEnabled)
	config.SessionIdleTimeout = env.OptionalStringVariable("SESSION_IDLE_TIMEOUT", config.SessionIdleTimeout)
	config.RateLimitRPS = float64(env.OptionalIntVariable("RATE_LIMIT_RPS", int(config.RateLimitRPS)))
	config.RateLimitBurst = env.OptionalIntVariable("RATE_LIMIT_BURST", config.RateLimitBurst)

	return &config, nil
}

func loadConfigData(source, token string, logger *zap.SugaredLogger) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		if logger != nil {
			logger.Infow("fetching remote config", "url", source)
		}
		return fetchRemoteConfig(source, token)
	}
	if logger != nil {
		logger.Infow("loading local config", "path", source)
	}
	data, err := os.ReadFile(source)
	if os.IsNotExist(err) {
		return []byte{}, nil
	}
	return data, err
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// SessionConfig derives a session.Config from the loaded duration
// strings, falling back to session.DefaultConfig for anything unparsed
// or unset.
func (c *Config) SessionConfig() session.Config {
	def := session.DefaultConfig()
	idle := def.IdleTimeout
	warning := def.WarningBeforeTimeout

	if d, err := time.ParseDuration(c.SessionIdleTimeout); err == nil && d > 0 {
		idle = d
	}
	if d, err := time.ParseDuration(c.SessionWarningBeforeTimeout); err == nil && d > 0 {
		warning = d
	}
	return session.NewConfig(idle, warning)
}

// CacheTTLDuration parses CacheTTL, defaulting to 24h on anything
// unparsed.
func (c *Config) CacheTTLDuration() time.Duration {
	if d, err := time.ParseDuration(c.CacheTTL); err == nil && d > 0 {
		return d
	}
	return 24 * time.Hour
}

// CacheMode translates CacheBackendMode into cache.BackendMode,
// defaulting to BackendMemory on anything unset or unrecognized.
func (c *Config) CacheMode() cache.BackendMode {
	switch cache.BackendMode(c.CacheBackendMode) {
	case cache.BackendRedis:
		return cache.BackendRedis
	case cache.BackendMultiTier:
		return cache.BackendMultiTier
	default:
		return cache.BackendMemory
	}
}

// LocalDriverConfig derives a local.Config from the loaded fields. Ollama
// keeps using OllamaEndpoint as its base URL for backward compatibility;
// vllm and lmstudio use LocalDriverEndpoint.
func (c *Config) LocalDriverConfig() local.Config {
	kind := local.DriverKind(c.LocalDriver)
	baseURL := c.LocalDriverEndpoint
	if kind == "" || kind == local.DriverOllama {
		kind = local.DriverOllama
		baseURL = c.OllamaEndpoint
	}
	return local.Config{Driver: kind, BaseURL: baseURL, APIKey: c.LocalDriverAPIKey}
}
