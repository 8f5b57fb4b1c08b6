package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dotsetgreg/larkrelay/pkg/config"
)

func init() {
	RegisterFactory(config.CompletionModeProxy,
		func(cfg *config.Config) (Completer, error) {
			return newProxyCompleter(cfg)
		},
		validateProxyConfig,
		func(cfg *config.Config) (bool, string) {
			if strings.TrimSpace(cfg.Completion.ProxyBaseURL) == "" {
				return false, "proxy base url missing"
			}
			return true, "proxy endpoint"
		},
	)
}

func validateProxyConfig(cfg *config.Config) error {
	base := strings.TrimSpace(cfg.Completion.ProxyBaseURL)
	if base == "" {
		return fmt.Errorf("proxy base URL is required in proxy mode (completion.proxy_base_url / LARKRELAY_COMPLETION_PROXY_BASE_URL)")
	}
	if _, err := url.Parse(base); err != nil {
		return fmt.Errorf("parse proxy base URL: %w", err)
	}
	return nil
}

// proxyCompleter delegates completion to an intermediate chat service that
// keeps its own model credentials and session state.
type proxyCompleter struct {
	baseURL    string
	httpClient *http.Client
}

func newProxyCompleter(cfg *config.Config) (*proxyCompleter, error) {
	if err := validateProxyConfig(cfg); err != nil {
		return nil, err
	}
	return &proxyCompleter{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.Completion.ProxyBaseURL), "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.CompletionTimeoutSeconds()) * time.Second,
		},
	}, nil
}

func (c *proxyCompleter) Name() string {
	return config.CompletionModeProxy
}

type proxyChatRequest struct {
	SessionID    string    `json:"session_id"`
	Message      string    `json:"message"`
	History      []Message `json:"history,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
}

type proxyChatResponse struct {
	SessionID string `json:"session_id"`
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
}

type proxyHealthResponse struct {
	Status           string `json:"status"`
	OpenAIConfigured bool   `json:"openai_configured"`
	StoragePath      string `json:"storage_path"`
	Timestamp        string `json:"timestamp"`
}

type proxyStatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *proxyCompleter) Complete(ctx context.Context, sessionID string, history []Message, userText, systemPrompt string) (string, error) {
	reqBody := proxyChatRequest{
		SessionID:    sessionID,
		Message:      userText,
		History:      history,
		SystemPrompt: systemPrompt,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	body, err := c.post(ctx, "/chat", jsonData)
	if err != nil {
		return "", err
	}

	var chatResp proxyChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("parse chat response: %w", err)
	}
	return chatResp.Response, nil
}

func (c *proxyCompleter) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return Health{}, fmt.Errorf("create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{}, classifyRequestError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Health{}, &TransportError{Err: fmt.Errorf("read health response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return Health{}, &UpstreamError{StatusCode: resp.StatusCode, Message: extractAPIError(body)}
	}

	var health proxyHealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return Health{}, fmt.Errorf("parse health response: %w", err)
	}
	return Health{
		Ready:              health.Status == "healthy",
		ProviderConfigured: health.OpenAIConfigured,
		StoragePath:        health.StoragePath,
		Detail:             health.Status,
	}, nil
}

// ClearSession drops the proxy's server-side history for the session.
func (c *proxyCompleter) ClearSession(ctx context.Context, sessionID string) error {
	endpoint := c.baseURL + "/clear-session?session_id=" + url.QueryEscape(sessionID)
	body, err := c.postTo(ctx, endpoint, nil)
	if err != nil {
		return err
	}

	var status proxyStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parse clear-session response: %w", err)
	}
	if status.Status != "success" {
		return fmt.Errorf("clear session rejected: %s", status.Message)
	}
	return nil
}

// CheckConnection verifies the proxy is up and has model access.
func (c *proxyCompleter) CheckConnection(ctx context.Context) error {
	health, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("proxy unreachable: %w", err)
	}
	if !health.Ready {
		return fmt.Errorf("proxy reports status %q", health.Detail)
	}
	if !health.ProviderConfigured {
		return fmt.Errorf("proxy has no model credentials configured")
	}
	return nil
}

func (c *proxyCompleter) post(ctx context.Context, path string, jsonData []byte) ([]byte, error) {
	return c.postTo(ctx, c.baseURL+path, jsonData)
}

func (c *proxyCompleter) postTo(ctx context.Context, endpoint string, jsonData []byte) ([]byte, error) {
	var reader io.Reader
	if jsonData != nil {
		reader = bytes.NewReader(jsonData)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create proxy request: %w", err)
	}
	if jsonData != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyRequestError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read proxy response: %w", err)}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: extractAPIError(body)}
	}
	return body, nil
}
