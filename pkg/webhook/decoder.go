// Package webhook turns raw event callback bodies into typed outcomes.
// Every request goes through the same pipeline: decrypt if enveloped,
// validate the verification token, then classify.
package webhook

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const eventTypeMessageReceive = "im.message.receive_v1"

// Outcome is the result of decoding one request body. Exactly one of the
// concrete types below is returned for every successful decode.
type Outcome interface {
	outcome()
}

// Challenge asks the caller to echo the challenge string back so the
// platform can verify endpoint ownership. No completion is involved.
type Challenge struct {
	Challenge string
}

// Inbound is a user text message that should be relayed.
type Inbound struct {
	EventID    string
	MessageID  string
	SenderID   string
	ChatID     string
	ChatType   string
	Text       string
	SessionKey string
}

// Ignored is a valid request the relay deliberately does nothing with,
// such as a non-text message or an event from another bot.
type Ignored struct {
	Reason string
}

func (Challenge) outcome() {}
func (Inbound) outcome()   {}
func (Ignored) outcome()   {}

// DecodeError marks a malformed or unauthenticated request body. Handlers
// map it to a client error status.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode webhook: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode webhook: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

// Decoder validates and classifies webhook payloads for one app.
type Decoder struct {
	verificationToken string
	encryptKey        string
}

// NewDecoder builds a decoder. Either credential may be empty, in which
// case the corresponding check or decryption step is skipped.
func NewDecoder(verificationToken, encryptKey string) *Decoder {
	return &Decoder{
		verificationToken: strings.TrimSpace(verificationToken),
		encryptKey:        strings.TrimSpace(encryptKey),
	}
}

type encryptedEnvelope struct {
	Encrypt string `json:"encrypt"`
}

type challengeRequest struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
}

type eventRequest struct {
	Schema string `json:"schema"`
	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderType string `json:"sender_type"`
			SenderID   struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

type textContent struct {
	Text string `json:"text"`
}

// Decode classifies one request body. It never returns both a non-nil
// Outcome and an error.
func (d *Decoder) Decode(body []byte) (Outcome, error) {
	if len(body) == 0 {
		return nil, decodeErr("empty body", nil)
	}

	var env encryptedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, decodeErr("invalid json", err)
	}
	if env.Encrypt != "" {
		if d.encryptKey == "" {
			return nil, decodeErr("encrypted payload but no encrypt key configured", nil)
		}
		plain, err := decryptEnvelope(d.encryptKey, env.Encrypt)
		if err != nil {
			return nil, decodeErr("decrypt payload", err)
		}
		body = plain
	}

	var ch challengeRequest
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, decodeErr("invalid json", err)
	}
	if ch.Type == "url_verification" {
		if err := d.checkToken(ch.Token); err != nil {
			return nil, err
		}
		if ch.Challenge == "" {
			return nil, decodeErr("url_verification without challenge", nil)
		}
		return Challenge{Challenge: ch.Challenge}, nil
	}

	var evt eventRequest
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, decodeErr("invalid event json", err)
	}
	if err := d.checkToken(evt.Header.Token); err != nil {
		return nil, err
	}

	if evt.Header.EventType != eventTypeMessageReceive {
		return Ignored{Reason: "event type " + evt.Header.EventType}, nil
	}
	if evt.Event.Sender.SenderType != "" && evt.Event.Sender.SenderType != "user" {
		return Ignored{Reason: "sender type " + evt.Event.Sender.SenderType}, nil
	}
	msg := evt.Event.Message
	if msg.MessageType != "text" {
		return Ignored{Reason: "message type " + msg.MessageType}, nil
	}

	var content textContent
	if err := json.Unmarshal([]byte(msg.Content), &content); err != nil {
		return nil, decodeErr("invalid text content", err)
	}
	text := strings.TrimSpace(stripMentions(content.Text))
	if text == "" {
		return Ignored{Reason: "empty text"}, nil
	}

	senderID := evt.Event.Sender.SenderID.OpenID
	return Inbound{
		EventID:    evt.Header.EventID,
		MessageID:  msg.MessageID,
		SenderID:   senderID,
		ChatID:     msg.ChatID,
		ChatType:   msg.ChatType,
		Text:       text,
		SessionKey: DeriveSessionKey(msg.ChatType, msg.ChatID, senderID),
	}, nil
}

func (d *Decoder) checkToken(token string) error {
	if d.verificationToken == "" {
		return nil
	}
	if token != d.verificationToken {
		return decodeErr("verification token mismatch", nil)
	}
	return nil
}

// stripMentions removes "@_user_N" placeholders that group messages carry
// when the bot is @-mentioned.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "@_user_")
		if start < 0 {
			return text
		}
		end := start + len("@_user_")
		for end < len(text) && text[end] >= '0' && text[end] <= '9' {
			end++
		}
		text = text[:start] + text[end:]
	}
}

// DeriveSessionKey maps a message to its conversation history. Private
// chats key on the sender so the thread follows the user; group chats key
// on the chat so everyone shares one thread.
func DeriveSessionKey(chatType, chatID, senderID string) string {
	chatType = strings.ToLower(strings.TrimSpace(chatType))
	scope := strings.TrimSpace(senderID)
	if chatType == "group" {
		scope = strings.TrimSpace(chatID)
	}
	canonical := chatType + "|" + strings.ToLower(scope)
	sum := sha1.Sum([]byte(canonical))
	return "v1:" + hex.EncodeToString(sum[:16])
}
