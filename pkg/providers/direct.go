package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dotsetgreg/larkrelay/pkg/config"
)

func init() {
	RegisterFactory(config.CompletionModeDirect,
		func(cfg *config.Config) (Completer, error) {
			return newDirectCompleter(cfg)
		},
		validateDirectConfig,
		func(cfg *config.Config) (bool, string) {
			if strings.TrimSpace(cfg.Providers.OpenAI.APIKey) == "" {
				return false, "api key missing"
			}
			return true, "api key"
		},
	)
}

func validateDirectConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Providers.OpenAI.APIKey) == "" {
		return fmt.Errorf("OpenAI API key is required in direct mode (providers.openai.api_key / LARKRELAY_OPENAI_API_KEY)")
	}
	if strings.TrimSpace(cfg.Providers.OpenAI.Model) == "" {
		return fmt.Errorf("OpenAI model is required in direct mode (providers.openai.model / LARKRELAY_OPENAI_MODEL)")
	}
	return nil
}

// directCompleter speaks the OpenAI chat completions wire.
type directCompleter struct {
	apiBase     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

func newDirectCompleter(cfg *config.Config) (*directCompleter, error) {
	if err := validateDirectConfig(cfg); err != nil {
		return nil, err
	}

	apiBase := strings.TrimRight(strings.TrimSpace(cfg.Providers.OpenAI.APIBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("OpenAI API base not configured")
	}

	return &directCompleter{
		apiBase:     apiBase,
		apiKey:      strings.TrimSpace(cfg.Providers.OpenAI.APIKey),
		model:       strings.TrimSpace(cfg.Providers.OpenAI.Model),
		maxTokens:   cfg.Providers.OpenAI.MaxTokens,
		temperature: cfg.Providers.OpenAI.Temperature,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.CompletionTimeoutSeconds()) * time.Second,
		},
	}, nil
}

func (c *directCompleter) Name() string {
	return config.CompletionModeDirect
}

func (c *directCompleter) Complete(ctx context.Context, sessionID string, history []Message, userText, systemPrompt string) (string, error) {
	messages := make([]Message, 0, len(history)+2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: userText})

	requestBody := map[string]interface{}{
		"model":    c.model,
		"messages": messages,
	}
	if c.maxTokens > 0 {
		requestBody["max_tokens"] = c.maxTokens
	}
	if c.temperature > 0 {
		requestBody["temperature"] = c.temperature
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyRequestError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Err: fmt.Errorf("read completion response: %w", err)}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Message: extractAPIError(body)}
	}

	return parseChatCompletionsResponse(body)
}

// Health checks that the API is reachable with the configured key.
func (c *directCompleter) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/models", nil)
	if err != nil {
		return Health{}, fmt.Errorf("create health request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{}, classifyRequestError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Health{
			Ready:              false,
			ProviderConfigured: true,
			Detail:             fmt.Sprintf("models endpoint returned status %d", resp.StatusCode),
		}, nil
	}
	return Health{Ready: true, ProviderConfigured: true}, nil
}

func parseChatCompletionsResponse(body []byte) (string, error) {
	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content interface{} `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", fmt.Errorf("parse completion response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return "", nil
	}
	return flattenMessageContent(apiResponse.Choices[0].Message.Content), nil
}

// flattenMessageContent accepts both plain strings and content-part arrays
// that some compatible backends return.
func flattenMessageContent(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				parts = append(parts, text)
				continue
			}
			if content, ok := m["content"].(string); ok {
				parts = append(parts, content)
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}
