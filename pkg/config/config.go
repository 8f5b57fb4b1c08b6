package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// Completion routing modes. The mode is an explicit choice, never inferred
// from which credentials happen to be set.
const (
	CompletionModeDirect = "direct"
	CompletionModeProxy  = "proxy"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "ou_123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Lark       LarkConfig       `json:"lark"`
	Completion CompletionConfig `json:"completion"`
	Providers  ProvidersConfig  `json:"providers"`
	Gateway    GatewayConfig    `json:"gateway"`
	Service    ServiceConfig    `json:"service"`
	Storage    StorageConfig    `json:"storage"`
	Dedup      DedupConfig      `json:"dedup"`
	Probe      ProbeConfig      `json:"probe"`
	mu         sync.RWMutex
}

type LarkConfig struct {
	AppID             string              `json:"app_id" env:"LARKRELAY_LARK_APP_ID"`
	AppSecret         string              `json:"app_secret" env:"LARKRELAY_LARK_APP_SECRET"`
	VerificationToken string              `json:"verification_token" env:"LARKRELAY_LARK_VERIFICATION_TOKEN"`
	EncryptKey        string              `json:"encrypt_key" env:"LARKRELAY_LARK_ENCRYPT_KEY"`
	APIBase           string              `json:"api_base" env:"LARKRELAY_LARK_API_BASE"`
	AllowFrom         FlexibleStringSlice `json:"allow_from" env:"LARKRELAY_LARK_ALLOW_FROM"`
}

type CompletionConfig struct {
	Mode           string `json:"mode" env:"LARKRELAY_COMPLETION_MODE"`
	ProxyBaseURL   string `json:"proxy_base_url" env:"LARKRELAY_COMPLETION_PROXY_BASE_URL"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"LARKRELAY_COMPLETION_TIMEOUT_SECONDS"`
	SystemPrompt   string `json:"system_prompt" env:"LARKRELAY_COMPLETION_SYSTEM_PROMPT"`
}

type ProvidersConfig struct {
	OpenAI OpenAIConfig `json:"openai"`
}

type OpenAIConfig struct {
	APIKey      string  `json:"api_key" env:"LARKRELAY_PROVIDERS_OPENAI_API_KEY"`
	APIBase     string  `json:"api_base" env:"LARKRELAY_PROVIDERS_OPENAI_API_BASE"`
	Model       string  `json:"model" env:"LARKRELAY_PROVIDERS_OPENAI_MODEL"`
	MaxTokens   int     `json:"max_tokens" env:"LARKRELAY_PROVIDERS_OPENAI_MAX_TOKENS"`
	Temperature float64 `json:"temperature" env:"LARKRELAY_PROVIDERS_OPENAI_TEMPERATURE"`
}

type GatewayConfig struct {
	Host       string `json:"host" env:"LARKRELAY_GATEWAY_HOST"`
	Port       int    `json:"port" env:"LARKRELAY_GATEWAY_PORT"`
	HealthPort int    `json:"health_port" env:"LARKRELAY_GATEWAY_HEALTH_PORT"`
}

type ServiceConfig struct {
	Host string `json:"host" env:"LARKRELAY_SERVICE_HOST"`
	Port int    `json:"port" env:"LARKRELAY_SERVICE_PORT"`
}

type StorageConfig struct {
	Dir string `json:"dir" env:"LARKRELAY_STORAGE_DIR"`
}

type DedupConfig struct {
	MaxEntries int `json:"max_entries" env:"LARKRELAY_DEDUP_MAX_ENTRIES"`
	TTLSeconds int `json:"ttl_seconds" env:"LARKRELAY_DEDUP_TTL_SECONDS"`
}

type ProbeConfig struct {
	Enabled      bool   `json:"enabled" env:"LARKRELAY_PROBE_ENABLED"`
	EverySeconds int    `json:"every_seconds" env:"LARKRELAY_PROBE_EVERY_SECONDS"`
	Cron         string `json:"cron" env:"LARKRELAY_PROBE_CRON"`
}

func DefaultConfig() *Config {
	return &Config{
		Lark: LarkConfig{
			APIBase:   "https://open.feishu.cn",
			AllowFrom: FlexibleStringSlice{},
		},
		Completion: CompletionConfig{
			Mode:           CompletionModeDirect,
			TimeoutSeconds: 90,
			SystemPrompt:   "You are a helpful assistant. Answer clearly and concisely.",
		},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				APIBase:     "https://api.openai.com/v1",
				Model:       "gpt-4",
				MaxTokens:   4096,
				Temperature: 0.7,
			},
		},
		Gateway: GatewayConfig{
			Host:       "0.0.0.0",
			Port:       8081,
			HealthPort: 8082,
		},
		Service: ServiceConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Storage: StorageConfig{
			Dir: "~/.larkrelay/data",
		},
		Dedup: DedupConfig{
			MaxEntries: 4096,
			TTLSeconds: 3600,
		},
		Probe: ProbeConfig{
			Enabled:      false,
			EverySeconds: 300,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) StorageDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.Dir)
}

func (c *Config) SessionDBPath() string {
	return filepath.Join(c.StorageDir(), "sessions.db")
}

func (c *Config) CompletionTimeoutSeconds() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Completion.TimeoutSeconds <= 0 {
		return 90
	}
	return c.Completion.TimeoutSeconds
}

func (c *Config) DedupTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Dedup.TTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.Dedup.TTLSeconds) * time.Second
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
