// Package mock is an in-memory Channel used by the core's own test
// suite. Inbound messages are injected by tests via Inject; outbound
// sends are recorded on Sent for assertions.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/pocketbrain/pocketbrain/pkg/channel"
)

// SentMessage records one Send call.
type SentMessage struct {
	JID  string
	Text string
}

// Channel is a scriptable in-memory Channel.
type Channel struct {
	mu          sync.Mutex
	name        string
	ownedPrefix string
	onMessage   channel.OnMessage
	onMetadata  channel.OnChatMetadata
	connected   bool

	Sent []SentMessage
}

// New creates a mock channel named name, owning any jid with ownedPrefix
// as a prefix (pass "" to own everything).
func New(name, ownedPrefix string) *Channel {
	return &Channel{name: name, ownedPrefix: ownedPrefix}
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Owns(jid string) bool {
	return strings.HasPrefix(jid, c.ownedPrefix)
}

func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *Channel) Send(ctx context.Context, jid, text string) error {
	c.mu.Lock()
	c.Sent = append(c.Sent, SentMessage{JID: jid, Text: text})
	c.mu.Unlock()
	return nil
}

func (c *Channel) SetTyping(ctx context.Context, jid string, typing bool) error {
	return nil
}

func (c *Channel) SetCallbacks(onMessage channel.OnMessage, onMetadata channel.OnChatMetadata) {
	c.mu.Lock()
	c.onMessage = onMessage
	c.onMetadata = onMetadata
	c.mu.Unlock()
}

// Inject delivers msg to the registered OnMessage callback, as though it
// arrived from the outside world.
func (c *Channel) Inject(msg channel.Message) {
	c.mu.Lock()
	cb := c.onMessage
	c.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

// InjectMetadata delivers meta to the registered OnChatMetadata callback.
func (c *Channel) InjectMetadata(meta channel.Metadata) {
	c.mu.Lock()
	cb := c.onMetadata
	c.mu.Unlock()
	if cb != nil {
		cb(meta)
	}
}

// SendCount returns how many times Send has been called for jid.
func (c *Channel) SendCount(jid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.Sent {
		if s.JID == jid {
			n++
		}
	}
	return n
}
