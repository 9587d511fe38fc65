// Package channel defines the Channel contract the core depends on for
// message transport (spec §6.1): a stable name, jid ownership, connect/
// disconnect lifecycle, outbound send, and two inbound callbacks the
// core wires up at registration time. Concrete transports live in the
// mock, cli and discord subpackages.
package channel

import "context"

// Message is one inbound message observed on a channel, in the
// channel's own wire shape before Orchestrator persists it.
type Message struct {
	ChatJID      string
	ID           string
	Sender       string
	SenderName   string
	Content      string
	Timestamp    string
	IsFromMe     bool
	IsBotMessage bool
}

// Metadata is opportunistic chat-liveness information a channel may
// report before a chat is registered.
type Metadata struct {
	ChatJID       string
	LastTimestamp string
	Name          string
	ChannelName   string
	IsGroup       bool
}

// OnMessage is called for every new inbound message, including
// bot-self echoes (the core uses these to know what it has already
// delivered).
type OnMessage func(msg Message)

// OnChatMetadata is called opportunistically to let the core track
// chat liveness even before registration.
type OnChatMetadata func(meta Metadata)

// Channel is one messaging transport the core can send through and
// receive from.
type Channel interface {
	// Name returns a stable identifier ("discord", "cli", "mock").
	Name() string
	// Owns reports whether this channel will accept Send(jid, ...).
	Owns(jid string) bool
	// Connect starts the channel's receive loop, invoking the callbacks
	// registered via SetCallbacks for every inbound event. Connect must
	// not block past initial setup; the receive loop runs in its own
	// goroutine.
	Connect(ctx context.Context) error
	// Disconnect stops the receive loop and releases resources.
	Disconnect(ctx context.Context) error
	// Send delivers text to jid. The channel is responsible for length
	// limits, rate limiting, and per-chunk delays; the core always
	// provides plain, already-sanitized text.
	Send(ctx context.Context, jid, text string) error
	// SetTyping optionally signals a typing indicator. Channels that
	// don't support this are a no-op.
	SetTyping(ctx context.Context, jid string, typing bool) error
	// SetCallbacks registers the core's inbound handlers. Called once,
	// before Connect.
	SetCallbacks(onMessage OnMessage, onMetadata OnChatMetadata)
}
