package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/larkrelay/pkg/config"
	"github.com/dotsetgreg/larkrelay/pkg/logger"
)

const (
	sendTimeout = 10 * time.Second

	// tokenRefreshMargin renews the tenant token before the platform
	// expires it, so a send never races an expiry.
	tokenRefreshMargin = 5 * time.Minute

	tenantTokenPath = "/open-apis/auth/v3/tenant_access_token/internal"
	sendMessagePath = "/open-apis/im/v1/messages?receive_id_type=chat_id"
)

// Sender posts text messages through the REST API with a cached tenant
// access token.
type Sender struct {
	appID      string
	appSecret  string
	apiBase    string
	httpClient *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewSender(cfg config.LarkConfig) (*Sender, error) {
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("lark API base not configured")
	}
	return &Sender{
		appID:      strings.TrimSpace(cfg.AppID),
		appSecret:  strings.TrimSpace(cfg.AppSecret),
		apiBase:    apiBase,
		httpClient: &http.Client{Timeout: sendTimeout},
	}, nil
}

type tenantTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// tenantToken returns a cached token, fetching a fresh one when the cache
// is empty or close to expiry.
func (s *Sender) tenantToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiresAt.Add(-tokenRefreshMargin)) {
		return s.token, nil
	}

	jsonData, err := json.Marshal(map[string]string{
		"app_id":     s.appID,
		"app_secret": s.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+tenantTokenPath, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request tenant token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tenant token request failed: status=%d body=%s", resp.StatusCode, truncate(string(body), 300))
	}

	var tokenResp tenantTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}
	if tokenResp.Code != 0 {
		return "", fmt.Errorf("tenant token rejected: code=%d msg=%s", tokenResp.Code, tokenResp.Msg)
	}

	s.token = tokenResp.TenantAccessToken
	s.expiresAt = time.Now().Add(time.Duration(tokenResp.Expire) * time.Second)
	logger.DebugCF("lark", "Tenant token refreshed", map[string]interface{}{
		"expires_in": tokenResp.Expire,
	})
	return s.token, nil
}

func (s *Sender) invalidateToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}

type sendMessageResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Token error codes the platform returns when a cached token went stale.
func isTokenError(code int) bool {
	return code == 99991661 || code == 99991663 || code == 99991668
}

// SendText posts one text message to a chat. A stale-token rejection is
// retried once with a fresh token.
func (s *Sender) SendText(ctx context.Context, chatID, text string) error {
	err := s.sendTextOnce(ctx, chatID, text, false)
	var te *staleTokenError
	if errors.As(err, &te) {
		s.invalidateToken()
		return s.sendTextOnce(ctx, chatID, text, true)
	}
	return err
}

type staleTokenError struct {
	code int
	msg  string
}

func (e *staleTokenError) Error() string {
	return fmt.Sprintf("stale tenant token: code=%d msg=%s", e.code, e.msg)
}

func (s *Sender) sendTextOnce(ctx context.Context, chatID, text string, retried bool) error {
	token, err := s.tenantToken(ctx)
	if err != nil {
		return err
	}

	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal text content: %w", err)
	}
	jsonData, err := json.Marshal(map[string]string{
		"receive_id": chatID,
		"msg_type":   "text",
		"content":    string(content),
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+sendMessagePath, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read send response: %w", err)
	}

	var sendResp sendMessageResponse
	if err := json.Unmarshal(body, &sendResp); err != nil {
		return fmt.Errorf("parse send response: status=%d body=%s", resp.StatusCode, truncate(string(body), 300))
	}
	if sendResp.Code != 0 {
		if isTokenError(sendResp.Code) && !retried {
			return &staleTokenError{code: sendResp.Code, msg: sendResp.Msg}
		}
		return fmt.Errorf("send message rejected: code=%d msg=%s", sendResp.Code, sendResp.Msg)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send message failed: status=%d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
