package lark

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/dotsetgreg/larkrelay/pkg/config"
)

type recordedSend struct {
	ReceiveID string `json:"receive_id"`
	MsgType   string `json:"msg_type"`
	Content   string `json:"content"`
}

func newFakePlatform(t *testing.T, tokenCalls *atomic.Int32, sends *[]recordedSend) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(tenantTokenPath, func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode token request: %v", err)
		}
		if req["app_id"] != "cli_app" || req["app_secret"] != "secret" {
			t.Errorf("wrong credentials: %v", req)
		}
		_ = json.NewEncoder(w).Encode(tenantTokenResponse{
			Code:              0,
			TenantAccessToken: "t-abc",
			Expire:            7200,
		})
	})
	mux.HandleFunc("/open-apis/im/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer t-abc" {
			t.Errorf("wrong auth header: %q", got)
		}
		if got := r.URL.Query().Get("receive_id_type"); got != "chat_id" {
			t.Errorf("wrong receive_id_type: %q", got)
		}
		var send recordedSend
		if err := json.NewDecoder(r.Body).Decode(&send); err != nil {
			t.Errorf("decode send request: %v", err)
		}
		*sends = append(*sends, send)
		_ = json.NewEncoder(w).Encode(sendMessageResponse{Code: 0})
	})
	return httptest.NewServer(mux)
}

func TestSender_SendTextAndTokenCaching(t *testing.T) {
	var tokenCalls atomic.Int32
	var sends []recordedSend
	server := newFakePlatform(t, &tokenCalls, &sends)
	defer server.Close()

	s, err := NewSender(config.LarkConfig{
		AppID:     "cli_app",
		AppSecret: "secret",
		APIBase:   server.URL,
	})
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.SendText(context.Background(), "oc_chat", "hello"); err != nil {
			t.Fatalf("SendText failed: %v", err)
		}
	}

	if got := tokenCalls.Load(); got != 1 {
		t.Fatalf("token should be fetched once and cached, got %d fetches", got)
	}
	if len(sends) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(sends))
	}

	send := sends[0]
	if send.ReceiveID != "oc_chat" || send.MsgType != "text" {
		t.Fatalf("unexpected send body: %+v", send)
	}
	var content map[string]string
	if err := json.Unmarshal([]byte(send.Content), &content); err != nil {
		t.Fatalf("content is not nested json: %v", err)
	}
	if content["text"] != "hello" {
		t.Fatalf("wrong text content: %v", content)
	}
}

func TestSender_StaleTokenRetriedOnce(t *testing.T) {
	var tokenCalls atomic.Int32
	var sendCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(tenantTokenPath, func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		_ = json.NewEncoder(w).Encode(tenantTokenResponse{
			Code: 0, TenantAccessToken: "t-fresh", Expire: 7200,
		})
	})
	mux.HandleFunc("/open-apis/im/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if sendCalls.Add(1) == 1 {
			_ = json.NewEncoder(w).Encode(sendMessageResponse{Code: 99991663, Msg: "token expired"})
			return
		}
		_ = json.NewEncoder(w).Encode(sendMessageResponse{Code: 0})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s, err := NewSender(config.LarkConfig{AppID: "a", AppSecret: "b", APIBase: server.URL})
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}

	if err := s.SendText(context.Background(), "oc_1", "hi"); err != nil {
		t.Fatalf("SendText should succeed after token refresh: %v", err)
	}
	if got := sendCalls.Load(); got != 2 {
		t.Fatalf("expected one retry, got %d send calls", got)
	}
	if got := tokenCalls.Load(); got != 2 {
		t.Fatalf("expected token re-fetch after stale rejection, got %d fetches", got)
	}
}

func TestSender_RejectedSendIsAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(tenantTokenPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(tenantTokenResponse{Code: 0, TenantAccessToken: "t", Expire: 7200})
	})
	mux.HandleFunc("/open-apis/im/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sendMessageResponse{Code: 230001, Msg: "bot not in chat"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s, err := NewSender(config.LarkConfig{AppID: "a", AppSecret: "b", APIBase: server.URL})
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}
	if err := s.SendText(context.Background(), "oc_1", "hi"); err == nil {
		t.Fatalf("expected error for rejected send")
	}
}
