// Package cli is an interactive local Channel backed by
// github.com/chzyer/readline, mirroring the teacher's own direct
// dependency on readline for a REPL-style agent command. Useful for
// development and manual testing without a real messaging transport.
package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/pocketbrain/pocketbrain/pkg/channel"
	"github.com/pocketbrain/pocketbrain/pkg/logger"
)

// JID is the single synthetic chat identity the CLI channel exposes.
const JID = "cli:local"

// Channel is a readline-backed REPL Channel.
type Channel struct {
	mu         sync.Mutex
	rl         *readline.Instance
	onMessage  channel.OnMessage
	onMetadata channel.OnChatMetadata
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a CLI channel reading from stdin/writing to stdout.
func New() (*Channel, error) {
	rl, err := readline.New("pocketbrain> ")
	if err != nil {
		return nil, fmt.Errorf("creating readline instance: %w", err)
	}
	return &Channel{rl: rl}, nil
}

func (c *Channel) Name() string { return "cli" }

func (c *Channel) Owns(jid string) bool { return jid == JID }

func (c *Channel) SetCallbacks(onMessage channel.OnMessage, onMetadata channel.OnChatMetadata) {
	c.mu.Lock()
	c.onMessage = onMessage
	c.onMetadata = onMetadata
	c.mu.Unlock()
}

func (c *Channel) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.readLoop(runCtx)
	return nil
}

func (c *Channel) readLoop(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return
		}
		if err != nil {
			logger.WarnCF("channel.cli", "readline error", map[string]interface{}{"error": err.Error()})
			return
		}
		if line == "" {
			continue
		}

		c.mu.Lock()
		cb := c.onMessage
		c.mu.Unlock()
		if cb != nil {
			cb(channel.Message{
				ChatJID:   JID,
				ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
				Sender:    "local",
				Content:   line,
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			})
		}
	}
}

func (c *Channel) Disconnect(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
	return c.rl.Close()
}

func (c *Channel) Send(ctx context.Context, jid, text string) error {
	fmt.Fprintf(c.rl.Stdout(), "%s\n", text)
	return nil
}

func (c *Channel) SetTyping(ctx context.Context, jid string, typing bool) error {
	return nil
}
