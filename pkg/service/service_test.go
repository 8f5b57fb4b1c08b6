package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/larkrelay/pkg/providers"
	"github.com/dotsetgreg/larkrelay/pkg/store"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string][]store.Message
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string][]store.Message{}}
}

func (m *memStore) Load(ctx context.Context, sessionID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Message, len(m.sessions[sessionID]))
	copy(out, m.sessions[sessionID])
	return out, nil
}

func (m *memStore) AppendTurn(ctx context.Context, sessionID string, user, assistant store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = append(m.sessions[sessionID], user, assistant)
	return nil
}

func (m *memStore) Clear(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *memStore) Sessions(ctx context.Context) ([]store.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.SessionInfo, 0, len(m.sessions))
	for id, msgs := range m.sessions {
		out = append(out, store.SessionInfo{SessionID: id, MessageCount: len(msgs)})
	}
	return out, nil
}

type echoCompleter struct {
	gotHistory []providers.Message
	reply      string
	err        error
}

func (e *echoCompleter) Name() string { return "echo" }

func (e *echoCompleter) Complete(ctx context.Context, sessionID string, history []providers.Message, userText, systemPrompt string) (string, error) {
	e.gotHistory = append([]providers.Message(nil), history...)
	if e.err != nil {
		return "", e.err
	}
	return e.reply, nil
}

func (e *echoCompleter) Health(ctx context.Context) (providers.Health, error) {
	return providers.Health{Ready: true, ProviderConfigured: true}, nil
}

type slowCompleter struct {
	echoCompleter
	delay time.Duration
}

func (s *slowCompleter) Complete(ctx context.Context, sessionID string, history []providers.Message, userText, systemPrompt string) (string, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return s.echoCompleter.Complete(ctx, sessionID, history, userText, systemPrompt)
}

func newTestService(t *testing.T) (*httptest.Server, *memStore, *echoCompleter) {
	t.Helper()
	st := newMemStore()
	ec := &echoCompleter{reply: "service reply"}
	srv := NewServer("127.0.0.1", 0, st, ec, "default prompt", "/tmp/data")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st, ec
}

func postChat(t *testing.T, url string, req chatRequest) (*http.Response, chatResponse) {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(url+"/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /chat failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var out chatResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestChat_ClientDisconnectDoesNotAbortTurn(t *testing.T) {
	st := newMemStore()
	sc := &slowCompleter{echoCompleter: echoCompleter{reply: "finished anyway"}, delay: 150 * time.Millisecond}
	srv := NewServer("127.0.0.1", 0, st, sc, "default prompt", "/tmp/data")

	body, _ := json.Marshal(chatRequest{SessionID: "sess-gone", Message: "hello"})
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body)).WithContext(ctx)
	rec := httptest.NewRecorder()

	// Hang up mid-completion.
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("turn should finish despite hang-up, got %d", rec.Code)
	}
	msgs, _ := st.Load(context.Background(), "sess-gone")
	if len(msgs) != 2 || msgs[1].Content != "finished anyway" {
		t.Fatalf("turn not persisted after client hang-up: %+v", msgs)
	}
}

func TestChat_PersistsAndReplies(t *testing.T) {
	ts, st, _ := newTestService(t)

	resp, out := postChat(t, ts.URL, chatRequest{SessionID: "sess-1", Message: "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if out.SessionID != "sess-1" || out.Response != "service reply" || out.Timestamp == "" {
		t.Fatalf("unexpected response: %+v", out)
	}

	msgs, _ := st.Load(context.Background(), "sess-1")
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "service reply" {
		t.Fatalf("turn not persisted: %+v", msgs)
	}
}

func TestChat_GeneratesSessionIDWhenMissing(t *testing.T) {
	ts, _, _ := newTestService(t)

	resp, out := postChat(t, ts.URL, chatRequest{Message: "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if out.SessionID == "" {
		t.Fatalf("session id should be generated")
	}
}

func TestChat_UsesStoredHistoryWhenNoneProvided(t *testing.T) {
	ts, st, ec := newTestService(t)

	_ = st.AppendTurn(context.Background(), "sess-h",
		store.Message{Role: store.RoleUser, Content: "earlier"},
		store.Message{Role: store.RoleAssistant, Content: "reply"})

	resp, _ := postChat(t, ts.URL, chatRequest{SessionID: "sess-h", Message: "next"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(ec.gotHistory) != 2 || ec.gotHistory[0].Content != "earlier" {
		t.Fatalf("stored history not replayed: %+v", ec.gotHistory)
	}
}

func TestChat_ExplicitHistoryOverridesStore(t *testing.T) {
	ts, _, ec := newTestService(t)

	resp, _ := postChat(t, ts.URL, chatRequest{
		SessionID: "sess-x",
		Message:   "next",
		History:   []store.Message{{Role: store.RoleUser, Content: "supplied"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(ec.gotHistory) != 1 || ec.gotHistory[0].Content != "supplied" {
		t.Fatalf("supplied history not used: %+v", ec.gotHistory)
	}
}

func TestChat_EmptyMessageRejected(t *testing.T) {
	ts, _, _ := newTestService(t)

	resp, _ := postChat(t, ts.URL, chatRequest{SessionID: "sess-1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestChat_CompletionFailureDoesNotPersist(t *testing.T) {
	ts, st, ec := newTestService(t)
	ec.err = &providers.UpstreamError{StatusCode: 500, Message: "boom"}

	resp, _ := postChat(t, ts.URL, chatRequest{SessionID: "sess-f", Message: "hello"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	msgs, _ := st.Load(context.Background(), "sess-f")
	if len(msgs) != 0 {
		t.Fatalf("failed turn must not persist, got %d messages", len(msgs))
	}
}

func TestHealth_ReportsConfiguredAndPath(t *testing.T) {
	ts, _, _ := newTestService(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("parse health: %v", err)
	}
	if health.Status != "healthy" || !health.OpenAIConfigured || health.StoragePath != "/tmp/data" {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestClearSession_RoundTrip(t *testing.T) {
	ts, st, _ := newTestService(t)

	_, _ = postChat(t, ts.URL, chatRequest{SessionID: "sess-c", Message: "hello"})

	resp, err := http.Post(ts.URL+"/clear-session?session_id=sess-c", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /clear-session failed: %v", err)
	}
	defer resp.Body.Close()

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("parse status: %v", err)
	}
	if status.Status != "success" {
		t.Fatalf("unexpected status: %+v", status)
	}

	msgs, _ := st.Load(context.Background(), "sess-c")
	if len(msgs) != 0 {
		t.Fatalf("session not cleared, %d messages remain", len(msgs))
	}
}

func TestClearSession_RequiresSessionID(t *testing.T) {
	ts, _, _ := newTestService(t)

	resp, err := http.Post(ts.URL+"/clear-session", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /clear-session failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSessions_ListsStoredSessions(t *testing.T) {
	ts, _, _ := newTestService(t)

	_, _ = postChat(t, ts.URL, chatRequest{SessionID: "sess-list", Message: "hello"})

	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions failed: %v", err)
	}
	defer resp.Body.Close()

	var out sessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("parse sessions: %v", err)
	}
	if len(out.Sessions) != 1 || out.Sessions[0].SessionID != "sess-list" {
		t.Fatalf("unexpected sessions: %+v", out.Sessions)
	}
}
