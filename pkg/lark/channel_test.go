package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dotsetgreg/larkrelay/pkg/bus"
	"github.com/dotsetgreg/larkrelay/pkg/config"
	"github.com/dotsetgreg/larkrelay/pkg/dedup"
)

func newTestChannel(t *testing.T, allowFrom []string) (*LarkChannel, *bus.MessageBus) {
	t.Helper()
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	c, err := NewLarkChannel(config.LarkConfig{
		AppID:             "cli_app",
		AppSecret:         "secret",
		VerificationToken: "tok-1",
		APIBase:           "http://127.0.0.1:0",
		AllowFrom:         allowFrom,
	}, config.GatewayConfig{Host: "127.0.0.1", Port: 0}, mb, dedup.NewFilter(16, time.Minute))
	if err != nil {
		t.Fatalf("NewLarkChannel failed: %v", err)
	}
	return c, mb
}

func postWebhook(t *testing.T, c *LarkChannel, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c.handleWebhook(rec, req)
	return rec
}

func messageEvent(t *testing.T, eventID, text string) []byte {
	t.Helper()
	content, _ := json.Marshal(map[string]string{"text": text})
	body, err := json.Marshal(map[string]interface{}{
		"schema": "2.0",
		"header": map[string]string{
			"event_id":   eventID,
			"event_type": "im.message.receive_v1",
			"token":      "tok-1",
		},
		"event": map[string]interface{}{
			"sender": map[string]interface{}{
				"sender_type": "user",
				"sender_id":   map[string]string{"open_id": "ou_alice"},
			},
			"message": map[string]string{
				"message_id":   "om_" + eventID,
				"chat_id":      "oc_1",
				"chat_type":    "p2p",
				"message_type": "text",
				"content":      string(content),
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func TestHandleWebhook_ChallengeEchoedWithoutPublishing(t *testing.T) {
	c, mb := newTestChannel(t, nil)

	rec := postWebhook(t, c, []byte(`{"type":"url_verification","challenge":"ch-1","token":"tok-1"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp["challenge"] != "ch-1" {
		t.Fatalf("challenge not echoed: %v", resp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatalf("challenge must not publish an inbound message")
	}
}

func TestHandleWebhook_MessagePublishedOnce(t *testing.T) {
	c, mb := newTestChannel(t, nil)

	body := messageEvent(t, "evt-dup", "hello")

	// First delivery publishes.
	if rec := postWebhook(t, c, body); rec.Code != http.StatusOK {
		t.Fatalf("first delivery status %d", rec.Code)
	}
	// Redelivery is acked like a success but publishes nothing.
	if rec := postWebhook(t, c, body); rec.Code != http.StatusOK {
		t.Fatalf("duplicate delivery status %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatalf("expected one inbound message")
	}
	if msg.EventID != "evt-dup" || msg.Content != "hello" || msg.SessionKey == "" {
		t.Fatalf("unexpected inbound: %+v", msg)
	}

	dupCtx, dupCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer dupCancel()
	if _, ok := mb.ConsumeInbound(dupCtx); ok {
		t.Fatalf("duplicate delivery must not publish a second message")
	}
}

func TestHandleWebhook_QueueFullIsNackedAndUnmarked(t *testing.T) {
	c, mb := newTestChannel(t, nil)

	// Saturate the relay queue so the next event cannot be handed off.
	for i := 0; i < 200; i++ {
		if !mb.PublishInbound(bus.InboundMessage{Channel: "lark", Content: "filler", SessionKey: "sess-fill"}) {
			break
		}
	}

	rec := postWebhook(t, c, messageEvent(t, "evt-full", "hello"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("undelivered event must not be acked, got %d", rec.Code)
	}
	if c.filter.Seen("evt-full") {
		t.Fatalf("undelivered event must not stay marked as seen")
	}

	// Once the queue drains, the platform's redelivery is accepted.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := mb.ConsumeInbound(ctx); !ok {
		t.Fatalf("expected a queued filler message")
	}
	if rec := postWebhook(t, c, messageEvent(t, "evt-full", "hello")); rec.Code != http.StatusOK {
		t.Fatalf("redelivery after drain should be acked, got %d", rec.Code)
	}
}

func TestHandleWebhook_MalformedBodyIsClientError(t *testing.T) {
	c, _ := newTestChannel(t, nil)

	rec := postWebhook(t, c, []byte("not json"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleWebhook_TokenMismatchIsClientError(t *testing.T) {
	c, _ := newTestChannel(t, nil)

	rec := postWebhook(t, c, []byte(`{"type":"url_verification","challenge":"ch-1","token":"wrong"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleWebhook_AllowlistRejectionIsSilentAck(t *testing.T) {
	c, mb := newTestChannel(t, []string{"ou_someone_else"})

	rec := postWebhook(t, c, messageEvent(t, "evt-blocked", "hello"))
	if rec.Code != http.StatusOK {
		t.Fatalf("disallowed sender must still be acked, got %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatalf("disallowed sender must not publish")
	}
}

func TestHandleWebhook_GetIsRejected(t *testing.T) {
	c, _ := newTestChannel(t, nil)

	req := httptest.NewRequest(http.MethodGet, WebhookPath, nil)
	rec := httptest.NewRecorder()
	c.handleWebhook(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestIsAllowed(t *testing.T) {
	c, _ := newTestChannel(t, []string{"ou_alice", "@ou_bob", ""})

	if !c.IsAllowed("ou_alice") || !c.IsAllowed("ou_bob") {
		t.Fatalf("listed senders should be allowed")
	}
	if c.IsAllowed("ou_mallory") {
		t.Fatalf("unlisted sender should be rejected")
	}

	open, _ := newTestChannel(t, nil)
	if !open.IsAllowed("ou_anyone") {
		t.Fatalf("empty allowlist should admit everyone")
	}
}
