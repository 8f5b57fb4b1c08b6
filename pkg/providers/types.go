// Package providers holds the completion clients. Two modes exist: direct
// calls against an OpenAI-compatible API, and proxy calls against an
// intermediate chat service that manages its own model access.
package providers

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn on the completion wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Health reports upstream readiness for status checks and probes.
type Health struct {
	Ready              bool
	ProviderConfigured bool
	StoragePath        string
	Detail             string
}

// Completer produces one assistant reply for a session turn. A single call
// maps to a single upstream request; retries are the caller's decision.
type Completer interface {
	Name() string
	Complete(ctx context.Context, sessionID string, history []Message, userText, systemPrompt string) (string, error)
	Health(ctx context.Context) (Health, error)
}

// SessionClearer is implemented by completers that hold server-side
// session state of their own.
type SessionClearer interface {
	ClearSession(ctx context.Context, sessionID string) error
}

// ConnectionChecker is implemented by completers that can verify the
// upstream is reachable and configured before any traffic is relayed.
type ConnectionChecker interface {
	CheckConnection(ctx context.Context) error
}
