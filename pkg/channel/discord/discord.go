// Package discord is a Channel backed by github.com/bwmarrin/discordgo.
// Each Discord channel id is exposed to the core as a jid of the form
// "discord:<channel-id>"; the bot's own messages are still delivered to
// OnMessage (marked IsBotMessage) so the core can track what it has
// already sent.
package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pocketbrain/pocketbrain/pkg/channel"
	"github.com/pocketbrain/pocketbrain/pkg/logger"
)

const jidPrefix = "discord:"

// Channel is a discordgo-backed Channel.
type Channel struct {
	token string

	mu         sync.Mutex
	session    *discordgo.Session
	onMessage  channel.OnMessage
	onMetadata channel.OnChatMetadata
	botUserID  string
}

// New creates a Discord channel authenticating with token (a bot token).
func New(token string) *Channel {
	return &Channel{token: token}
}

func (c *Channel) Name() string { return "discord" }

func (c *Channel) Owns(jid string) bool {
	return strings.HasPrefix(jid, jidPrefix)
}

// JID builds the channel-scoped jid for a raw Discord channel id.
func JID(channelID string) string { return jidPrefix + channelID }

// channelID strips the jid prefix, returning "" if jid isn't ours.
func channelID(jid string) string {
	if !strings.HasPrefix(jid, jidPrefix) {
		return ""
	}
	return strings.TrimPrefix(jid, jidPrefix)
}

func (c *Channel) SetCallbacks(onMessage channel.OnMessage, onMetadata channel.OnChatMetadata) {
	c.mu.Lock()
	c.onMessage = onMessage
	c.onMetadata = onMetadata
	c.mu.Unlock()
}

func (c *Channel) Connect(ctx context.Context) error {
	sess, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return fmt.Errorf("creating discord session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	sess.AddHandler(c.handleMessageCreate)

	if err := sess.Open(); err != nil {
		return fmt.Errorf("opening discord gateway: %w", err)
	}

	c.mu.Lock()
	c.session = sess
	if sess.State != nil && sess.State.User != nil {
		c.botUserID = sess.State.User.ID
	}
	c.mu.Unlock()

	logger.InfoCF("channel.discord", "connected", map[string]interface{}{"bot_user_id": c.botUserID})
	return nil
}

func (c *Channel) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	c.mu.Lock()
	cb := c.onMessage
	botID := c.botUserID
	c.mu.Unlock()
	if cb == nil || m.Message == nil {
		return
	}

	isFromMe := m.Author != nil && botID != "" && m.Author.ID == botID
	sender, senderName := "", ""
	if m.Author != nil {
		sender = m.Author.ID
		senderName = m.Author.Username
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	cb(channel.Message{
		ChatJID:      JID(m.ChannelID),
		ID:           m.ID,
		Sender:       sender,
		SenderName:   senderName,
		Content:      m.Content,
		Timestamp:    ts.UTC().Format(time.RFC3339Nano),
		IsFromMe:     isFromMe,
		IsBotMessage: isFromMe,
	})
}

func (c *Channel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

func (c *Channel) Send(ctx context.Context, jid, text string) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("discord channel not connected")
	}

	id := channelID(jid)
	const maxLen = 2000
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			chunk = chunk[:maxLen]
		}
		if _, err := sess.ChannelMessageSend(id, chunk); err != nil {
			return fmt.Errorf("sending discord message: %w", err)
		}
		text = text[len(chunk):]
	}
	return nil
}

func (c *Channel) SetTyping(ctx context.Context, jid string, typing bool) error {
	if !typing {
		return nil
	}
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.ChannelTyping(channelID(jid))
}
