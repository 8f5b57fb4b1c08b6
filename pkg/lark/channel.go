// Package lark connects the relay to the Feishu/Lark open platform. The
// inbound side is an event webhook server; the outbound side is the REST
// message API.
package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/larkrelay/pkg/bus"
	"github.com/dotsetgreg/larkrelay/pkg/config"
	"github.com/dotsetgreg/larkrelay/pkg/dedup"
	"github.com/dotsetgreg/larkrelay/pkg/logger"
	"github.com/dotsetgreg/larkrelay/pkg/webhook"
)

const (
	// WebhookPath is where the platform delivers event callbacks.
	WebhookPath = "/webhook/event"

	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Channel is a chat platform adapter the manager can drive.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// LarkChannel receives webhook events and sends replies through the REST
// API. Events are acknowledged as soon as they are queued; processing
// continues after the platform hangs up.
type LarkChannel struct {
	bus       *bus.MessageBus
	decoder   *webhook.Decoder
	filter    *dedup.Filter
	sender    *Sender
	allowList []string

	addr    string
	server  *http.Server
	running bool
	mu      sync.Mutex
}

func NewLarkChannel(cfg config.LarkConfig, gateway config.GatewayConfig, mb *bus.MessageBus, filter *dedup.Filter) (*LarkChannel, error) {
	if strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, fmt.Errorf("lark app_id and app_secret are required")
	}

	sender, err := NewSender(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize lark sender: %w", err)
	}

	return &LarkChannel{
		bus:       mb,
		decoder:   webhook.NewDecoder(cfg.VerificationToken, cfg.EncryptKey),
		filter:    filter,
		sender:    sender,
		allowList: cfg.AllowFrom,
		addr:      fmt.Sprintf("%s:%d", gateway.Host, gateway.Port),
	}, nil
}

func (c *LarkChannel) Name() string {
	return "lark"
}

func (c *LarkChannel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *LarkChannel) setRunning(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = running
}

// IsAllowed checks the sender against the configured allowlist. An empty
// allowlist admits everyone.
func (c *LarkChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID {
			return true
		}
	}
	return false
}

func (c *LarkChannel) Start(ctx context.Context) error {
	logger.InfoCF("lark", "Starting webhook server", map[string]interface{}{
		"addr": c.addr,
		"path": WebhookPath,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(WebhookPath, c.handleWebhook)

	listener, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.addr, err)
	}

	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := c.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("lark", "Webhook server stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	c.setRunning(true)
	return nil
}

func (c *LarkChannel) Stop(ctx context.Context) error {
	logger.InfoC("lark", "Stopping webhook server")
	c.setRunning(false)

	if c.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := c.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown webhook server: %w", err)
	}
	return nil
}

func (c *LarkChannel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "read body failed"})
		return
	}

	outcome, err := c.decoder.Decode(body)
	if err != nil {
		logger.WarnCF("lark", "Rejected webhook request", map[string]interface{}{
			"error": err.Error(),
		})
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "invalid request"})
		return
	}

	switch o := outcome.(type) {
	case webhook.Challenge:
		logger.InfoC("lark", "Answering URL verification challenge")
		writeJSON(w, http.StatusOK, map[string]string{"challenge": o.Challenge})

	case webhook.Ignored:
		logger.DebugCF("lark", "Ignoring event", map[string]interface{}{
			"reason": o.Reason,
		})
		writeJSON(w, http.StatusOK, map[string]string{"msg": "ignored"})

	case webhook.Inbound:
		// Duplicates and disallowed senders are acked like successes so
		// the platform stops redelivering. A full relay queue is not: the
		// event is unmarked and nacked so redelivery can retry it.
		if !c.acceptInbound(o) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"msg": "queue full, retry"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"msg": "ok"})

	default:
		writeJSON(w, http.StatusOK, map[string]string{"msg": "ok"})
	}
}

// acceptInbound reports whether the event was either queued for the relay
// or deliberately suppressed. False means it was lost and must be nacked.
func (c *LarkChannel) acceptInbound(in webhook.Inbound) bool {
	if !c.IsAllowed(in.SenderID) {
		logger.DebugCF("lark", "Message rejected by allowlist", map[string]interface{}{
			"sender": in.SenderID,
		})
		return true
	}
	if c.filter.CheckAndMark(in.EventID) {
		logger.DebugCF("lark", "Duplicate delivery suppressed", map[string]interface{}{
			"event": in.EventID,
		})
		return true
	}

	queued := c.bus.PublishInbound(bus.InboundMessage{
		Channel:    c.Name(),
		EventID:    in.EventID,
		SenderID:   in.SenderID,
		ChatID:     in.ChatID,
		ChatType:   in.ChatType,
		Content:    in.Text,
		SessionKey: in.SessionKey,
		Metadata: map[string]string{
			"message_id": in.MessageID,
		},
	})
	if !queued {
		// The dedup mark would otherwise swallow the redelivery of a
		// message nobody processed.
		c.filter.Forget(in.EventID)
		logger.WarnCF("lark", "Relay queue full, event not accepted", map[string]interface{}{
			"event": in.EventID,
		})
	}
	return queued
}

func (c *LarkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("lark channel not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("chat ID is empty")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	for _, chunk := range splitMessage(msg.Content, textChunkLimit) {
		if err := c.sender.SendText(ctx, msg.ChatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
