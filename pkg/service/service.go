// Package service exposes the relay core over plain HTTP: the same wire a
// proxy-mode gateway consumes. Running it makes this process the upstream
// for other relays, or a local chat backend for testing.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/larkrelay/pkg/logger"
	"github.com/dotsetgreg/larkrelay/pkg/providers"
	"github.com/dotsetgreg/larkrelay/pkg/store"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// SessionStore is what the service needs from the history layer.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) ([]store.Message, error)
	AppendTurn(ctx context.Context, sessionID string, user, assistant store.Message) error
	Clear(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]store.SessionInfo, error)
}

// Server is the HTTP chat service.
type Server struct {
	store        SessionStore
	completer    providers.Completer
	systemPrompt string
	storagePath  string
	addr         string
	server       *http.Server
}

func NewServer(host string, port int, st SessionStore, completer providers.Completer, systemPrompt, storagePath string) *Server {
	return &Server{
		store:        st,
		completer:    completer,
		systemPrompt: systemPrompt,
		storagePath:  storagePath,
		addr:         fmt.Sprintf("%s:%d", host, port),
	}
}

// Handler returns the route table. Split out so tests can drive it
// without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/clear-session", s.handleClearSession)
	mux.HandleFunc("/sessions", s.handleSessions)
	return mux
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.InfoCF("service", "Chat service started", map[string]interface{}{
		"addr": s.addr,
	})

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("service", "Chat service stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

type chatRequest struct {
	SessionID    string          `json:"session_id"`
	Message      string          `json:"message"`
	History      []store.Message `json:"history,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
}

type healthResponse struct {
	Status           string `json:"status"`
	OpenAIConfigured bool   `json:"openai_configured"`
	StoragePath      string `json:"storage_path"`
	Timestamp        string `json:"timestamp"`
}

type statusResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type sessionsResponse struct {
	Sessions  []store.SessionInfo `json:"sessions"`
	Timestamp string              `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body failed"})
		return
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// A client hang-up must not abort a turn already in flight; the turn
	// either completes and persists or fails on its own terms.
	ctx := context.WithoutCancel(r.Context())

	history := req.History
	if history == nil {
		history, err = s.store.Load(ctx, sessionID)
		if err != nil {
			logger.ErrorCF("service", "Load history failed", map[string]interface{}{"error": err.Error()})
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "load history failed"})
			return
		}
	}

	systemPrompt := req.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = s.systemPrompt
	}

	reply, err := s.completer.Complete(ctx, sessionID, toProviderMessages(history), req.Message, systemPrompt)
	if err != nil {
		logger.ErrorCF("service", "Completion failed", map[string]interface{}{
			"session": sessionID,
			"error":   err.Error(),
		})
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "completion failed"})
		return
	}

	if err := s.store.AppendTurn(ctx, sessionID,
		store.Message{Role: store.RoleUser, Content: req.Message},
		store.Message{Role: store.RoleAssistant, Content: reply}); err != nil {
		logger.ErrorCF("service", "Persist turn failed", map[string]interface{}{
			"session": sessionID,
			"error":   err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "persist turn failed"})
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		SessionID: sessionID,
		Response:  reply,
		Timestamp: now(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	configured := false
	status := "healthy"
	if s.completer != nil {
		health, err := s.completer.Health(r.Context())
		if err != nil {
			status = "degraded"
		} else {
			configured = health.ProviderConfigured
			if !health.Ready {
				status = "degraded"
			}
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:           status,
		OpenAIConfigured: configured,
		StoragePath:      s.storagePath,
		Timestamp:        now(),
	})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id is required"})
		return
	}

	if err := s.store.Clear(r.Context(), sessionID); err != nil {
		logger.ErrorCF("service", "Clear session failed", map[string]interface{}{
			"session": sessionID,
			"error":   err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "clear session failed"})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:    "success",
		Message:   fmt.Sprintf("session %s cleared", sessionID),
		Timestamp: now(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	sessions, err := s.store.Sessions(r.Context())
	if err != nil {
		logger.ErrorCF("service", "List sessions failed", map[string]interface{}{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "list sessions failed"})
		return
	}

	writeJSON(w, http.StatusOK, sessionsResponse{
		Sessions:  sessions,
		Timestamp: now(),
	})
}

func toProviderMessages(history []store.Message) []providers.Message {
	out := make([]providers.Message, len(history))
	for i, m := range history {
		out[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
