package bus

// InboundMessage is one decoded, deduplicated user message handed from a
// channel adapter to the relay.
type InboundMessage struct {
	Channel    string
	EventID    string
	SenderID   string
	ChatID     string
	ChatType   string
	Content    string
	SessionKey string
	Metadata   map[string]string
}

// OutboundMessage is a reply the relay wants delivered through a channel.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}
