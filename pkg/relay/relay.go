// Package relay runs the message loop between the channel bus, the session
// store, and the completion client.
package relay

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/dotsetgreg/larkrelay/pkg/bus"
	"github.com/dotsetgreg/larkrelay/pkg/logger"
	"github.com/dotsetgreg/larkrelay/pkg/providers"
	"github.com/dotsetgreg/larkrelay/pkg/store"
)

const clearCommand = "/clear"

const (
	noticeCleared   = "Conversation cleared. Starting fresh."
	noticeTimeout   = "The model took too long to reply. Please try again."
	noticeUpstream  = "The model service returned an error. Please try again later."
	noticeTransport = "Could not reach the model service. Please try again in a moment."
	noticeStorage   = "Your message was processed but could not be saved. Please try again."
	noticeGeneric   = "Something went wrong while processing your message."
)

// SessionStore is the history the relay reads and writes.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) ([]store.Message, error)
	AppendTurn(ctx context.Context, sessionID string, user, assistant store.Message) error
	Clear(ctx context.Context, sessionID string) error
	Tag(ctx context.Context, sessionID, chatID, userID string) error
}

// sessionQueueSize bounds how many turns may wait per session before the
// dispatcher blocks.
const sessionQueueSize = 32

// Relay consumes inbound messages and publishes replies. Sessions are
// processed in parallel with each other; within a session, turns run
// strictly in arrival order so history replays the way the user typed it.
type Relay struct {
	bus          *bus.MessageBus
	store        SessionStore
	completer    providers.Completer
	systemPrompt string

	wg sync.WaitGroup
}

func New(mb *bus.MessageBus, st SessionStore, completer providers.Completer, systemPrompt string) *Relay {
	return &Relay{
		bus:          mb,
		store:        st,
		completer:    completer,
		systemPrompt: systemPrompt,
	}
}

// Run consumes the inbound bus until ctx is cancelled, then waits for
// in-flight messages to finish. The consume context, not any HTTP request
// context, bounds processing, so a hung-up webhook caller never aborts a
// completion mid-flight.
func (r *Relay) Run(ctx context.Context) {
	logger.InfoC("relay", "message loop started")

	// One queue and worker per session key, created on first sight and
	// fed by this loop alone, so same-session turns keep arrival order.
	queues := make(map[string]chan bus.InboundMessage)
	for {
		msg, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		if strings.TrimSpace(msg.Content) == "" || msg.SessionKey == "" {
			continue
		}

		q, ok := queues[msg.SessionKey]
		if !ok {
			q = make(chan bus.InboundMessage, sessionQueueSize)
			queues[msg.SessionKey] = q
			r.wg.Add(1)
			go r.sessionWorker(ctx, q)
		}
		select {
		case q <- msg:
		case <-ctx.Done():
		}
	}

	for _, q := range queues {
		close(q)
	}
	r.wg.Wait()
	logger.InfoC("relay", "message loop stopped")
}

// sessionWorker drains one session's queue sequentially. Each turn sees
// the previous turn already persisted before its completion call starts.
func (r *Relay) sessionWorker(ctx context.Context, q chan bus.InboundMessage) {
	defer r.wg.Done()
	for msg := range q {
		reply := r.processMessage(ctx, msg)
		if reply == "" {
			continue
		}
		if !r.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: reply,
		}) {
			logger.WarnCF("relay", "outbound reply dropped", map[string]interface{}{
				"session": msg.SessionKey,
			})
		}
	}
}

func (r *Relay) processMessage(ctx context.Context, msg bus.InboundMessage) string {
	text := strings.TrimSpace(msg.Content)
	if text == "" || msg.SessionKey == "" {
		return ""
	}

	logger.DebugCF("relay", "processing message", map[string]interface{}{
		"session": msg.SessionKey,
		"event":   msg.EventID,
		"chars":   len(text),
	})

	if isClearCommand(text) {
		return r.clearSession(ctx, msg.SessionKey)
	}

	if err := r.store.Tag(ctx, msg.SessionKey, msg.ChatID, msg.SenderID); err != nil {
		logger.WarnCF("relay", "tag session failed", map[string]interface{}{"error": err.Error()})
	}

	reply, err := r.completeTurn(ctx, msg.SessionKey, text)
	if err != nil {
		logger.ErrorCF("relay", "turn failed", map[string]interface{}{
			"session": msg.SessionKey,
			"error":   err.Error(),
		})
		return friendlyError(err)
	}
	return reply
}

// completeTurn loads history, asks the completer, and persists the turn.
// Nothing is written unless the completion succeeded, so a failed turn
// leaves the history exactly as it was.
func (r *Relay) completeTurn(ctx context.Context, sessionKey, text string) (string, error) {
	history, err := r.store.Load(ctx, sessionKey)
	if err != nil {
		return "", err
	}

	reply, err := r.completer.Complete(ctx, sessionKey, toProviderMessages(history), text, r.systemPrompt)
	if err != nil {
		return "", err
	}

	err = r.store.AppendTurn(ctx, sessionKey,
		store.Message{Role: store.RoleUser, Content: text},
		store.Message{Role: store.RoleAssistant, Content: reply})
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (r *Relay) clearSession(ctx context.Context, sessionKey string) string {
	if err := r.store.Clear(ctx, sessionKey); err != nil {
		logger.ErrorCF("relay", "clear session failed", map[string]interface{}{
			"session": sessionKey,
			"error":   err.Error(),
		})
		return friendlyError(err)
	}
	if clearer, ok := r.completer.(providers.SessionClearer); ok {
		if err := clearer.ClearSession(ctx, sessionKey); err != nil {
			logger.WarnCF("relay", "upstream clear failed", map[string]interface{}{
				"session": sessionKey,
				"error":   err.Error(),
			})
		}
	}
	logger.InfoCF("relay", "session cleared", map[string]interface{}{"session": sessionKey})
	return noticeCleared
}

// ProcessDirect runs one turn outside the bus, for the interactive CLI.
func (r *Relay) ProcessDirect(ctx context.Context, sessionKey, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if isClearCommand(text) {
		return r.clearSession(ctx, sessionKey), nil
	}
	return r.completeTurn(ctx, sessionKey, text)
}

func isClearCommand(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), clearCommand)
}

func toProviderMessages(history []store.Message) []providers.Message {
	out := make([]providers.Message, len(history))
	for i, m := range history {
		out[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// friendlyError maps internal failures to user-facing notices. Raw error
// text never reaches the chat.
func friendlyError(err error) string {
	var (
		timeoutErr   *providers.TimeoutError
		upstreamErr  *providers.UpstreamError
		transportErr *providers.TransportError
		storageErr   *store.StorageError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return noticeTimeout
	case errors.As(err, &upstreamErr):
		return noticeUpstream
	case errors.As(err, &transportErr):
		return noticeTransport
	case errors.As(err, &storageErr):
		return noticeStorage
	default:
		return noticeGeneric
	}
}
