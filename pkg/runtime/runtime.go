// Package runtime is the composition root: it wires config, store,
// auth, the AgentRuntime backend stack, every registered Channel, and
// the core components (Orchestrator, Queue, Scheduler, IpcWatcher)
// into one running process, then tears them down in reverse order on
// shutdown. The wiring shape — build every dependency in main, start
// every long-running loop as a goroutine, and wait on SIGINT/SIGTERM
// before a staged shutdown — mirrors thrapt-picobot's cmd/picobot
// gateway command, generalized from picobot's single hub/agent pair
// into PocketBrain's multi-channel, multi-loop core.
package runtime

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pocketbrain/pocketbrain/pkg/agentruntime"
	"github.com/pocketbrain/pocketbrain/pkg/agentruntime/claude"
	"github.com/pocketbrain/pocketbrain/pkg/agentruntime/fallback"
	"github.com/pocketbrain/pocketbrain/pkg/agentruntime/mock"
	"github.com/pocketbrain/pocketbrain/pkg/agentruntime/openai"
	"github.com/pocketbrain/pocketbrain/pkg/auth"
	"github.com/pocketbrain/pocketbrain/pkg/channel"
	"github.com/pocketbrain/pocketbrain/pkg/channel/cli"
	"github.com/pocketbrain/pocketbrain/pkg/channel/discord"
	"github.com/pocketbrain/pocketbrain/pkg/config"
	"github.com/pocketbrain/pocketbrain/pkg/ipc"
	"github.com/pocketbrain/pocketbrain/pkg/logger"
	"github.com/pocketbrain/pocketbrain/pkg/model"
	"github.com/pocketbrain/pocketbrain/pkg/orchestrator"
	"github.com/pocketbrain/pocketbrain/pkg/queue"
	"github.com/pocketbrain/pocketbrain/pkg/scheduler"
	"github.com/pocketbrain/pocketbrain/pkg/sessionmgr"
	"github.com/pocketbrain/pocketbrain/pkg/store"
)

// Core holds every long-lived component the composition root builds.
// Exported so cmd/pocketbrain can drive it directly without re-wiring.
type Core struct {
	Config *config.Config
	Store  *store.Store

	channels   []channel.Channel
	sessions   *sessionmgr.Manager
	queue      *queue.Queue
	orch       *orchestrator.Orchestrator
	sched      *scheduler.Scheduler
	ipcWatcher *ipc.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Build constructs every component from cfg but starts nothing.
func Build(cfg *config.Config) (*Core, error) {
	logger.Configure(cfg.LogFormat, cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkspacePath(), 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}
	if err := os.MkdirAll(cfg.IpcRoot(), 0o755); err != nil {
		return nil, fmt.Errorf("creating ipc root: %w", err)
	}
	if err := auth.Configure(cfg.CredentialsPath()); err != nil {
		return nil, fmt.Errorf("configuring credential storage: %w", err)
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	rt, err := buildAgentRuntime(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("building agent runtime: %w", err)
	}

	chans, err := buildChannels(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("building channels: %w", err)
	}

	c := &Core{Config: cfg, Store: st, channels: chans}

	c.sessions = sessionmgr.New(rt)
	c.sessions.SessionInitTimeout = cfg.SessionInitTimeout
	c.sessions.PromptStreamTimeout = cfg.PromptStreamTimeout
	c.sessions.CanonicalFetchTimeout = cfg.CanonicalFetchTimeout
	c.sessions.OverallPromptTimeout = cfg.OverallPromptTimeout

	send := c.send

	c.orch = orchestrator.New(st, nil, c.sessions, send)
	c.orch.TickInterval = cfg.OrchestratorTickInterval
	c.orch.IdleTimeout = cfg.IdleTimeout
	c.orch.InstructionsDir = cfg.InstructionsDir()

	c.sched = scheduler.New(st, nil, c.sessions, send, cfg.Location())
	c.sched.TickInterval = cfg.SchedulerTickInterval
	c.sched.IdleTimeout = cfg.IdleTimeout
	c.sched.InstructionsDir = cfg.InstructionsDir()

	c.queue = queue.New(cfg.MaxConcurrent, cfg.BaseRetryInterval, cfg.MaxRetries, c.sessions, c.orch.ProcessBatch, c.sched.RunTask)
	c.orch.SetQueue(c.queue)
	c.sched.SetQueue(c.queue)

	c.ipcWatcher = ipc.New(cfg.IpcRoot(), st, send, cfg.Location())
	c.ipcWatcher.PollInterval = cfg.IpcPollInterval
	c.ipcWatcher.ErrorRetention = cfg.IpcErrorRetention

	for _, ch := range chans {
		ch.SetCallbacks(c.onMessage, c.onChatMetadata)
	}

	return c, nil
}

// onMessage adapts channel.Message (the transport's own wire shape)
// into model.Message before handing it to the Orchestrator.
func (c *Core) onMessage(msg channel.Message) {
	c.orch.OnMessage(model.Message{
		ChatJID:      msg.ChatJID,
		ID:           msg.ID,
		Sender:       msg.Sender,
		SenderName:   msg.SenderName,
		Content:      msg.Content,
		Timestamp:    msg.Timestamp,
		IsFromMe:     msg.IsFromMe,
		IsBotMessage: msg.IsBotMessage,
	})
}

// buildAgentRuntime assembles the Claude/OpenAI/fallback AgentRuntime
// stack, preferring OAuth over a static API key for Claude the same way
// picoclaw's claude_provider.go chose its auth mode, and wrapping both
// backends in fallback.Runtime exactly as picoclaw wraps providers.
func buildAgentRuntime(cfg *config.Config) (agentruntime.AgentRuntime, error) {
	tools := agentruntime.NewToolRegistry(agentruntime.NewThinkTool())

	var primary agentruntime.AgentRuntime

	switch {
	case cfg.Anthropic.UseOAuth:
		primary = claude.NewOAuth(func() (string, error) {
			cred, err := auth.GetCredential("anthropic")
			if err != nil {
				return "", fmt.Errorf("no Anthropic OAuth credential stored, run `pocketbrain auth login anthropic`: %w", err)
			}
			if cred.NeedsRefresh() {
				refreshed, err := auth.RefreshAccessToken(cred, auth.AnthropicOAuthConfig())
				if err != nil {
					return "", fmt.Errorf("refreshing Anthropic OAuth token: %w", err)
				}
				if err := auth.SetCredential("anthropic", refreshed); err != nil {
					logger.WarnCF("runtime", "persisting refreshed Anthropic token failed", map[string]interface{}{"error": err.Error()})
				}
				cred = refreshed
			}
			return cred.AccessToken, nil
		}, cfg.Anthropic.BaseURL, cfg.Anthropic.Model, tools)
	case cfg.Anthropic.APIKey != "":
		primary = claude.New(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, cfg.Anthropic.Model, tools)
	default:
		logger.WarnCF("runtime", "no Anthropic credential configured, using mock runtime as primary", nil)
		primary = mock.New()
	}

	if cfg.OpenAI.APIKey == "" {
		return primary, nil
	}

	secondary := openai.New(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, tools)
	return fallback.New(primary, secondary), nil
}

// buildChannels constructs every enabled Channel from cfg.
func buildChannels(cfg *config.Config) ([]channel.Channel, error) {
	var chans []channel.Channel

	if cfg.CLI.Enabled {
		c, err := cli.New()
		if err != nil {
			return nil, fmt.Errorf("building cli channel: %w", err)
		}
		chans = append(chans, c)
	}

	if cfg.Discord.Enabled {
		if cfg.Discord.Token == "" {
			return nil, fmt.Errorf("discord channel enabled but DISCORD_BOT_TOKEN is unset")
		}
		chans = append(chans, discord.New(cfg.Discord.Token))
	}

	return chans, nil
}

func (c *Core) onChatMetadata(meta channel.Metadata) {
	logger.DebugCF("runtime", "chat metadata observed", map[string]interface{}{
		"chat_jid": meta.ChatJID,
		"name":     meta.Name,
	})
}

// send routes outbound text through whichever registered Channel owns
// jid. A transport failure is queued to the durable outbox rather than
// propagated, per spec.md's "outbox retries for channel sends" rule for
// channels that can disconnect; it is drained by drainOutbox.
func (c *Core) send(ctx context.Context, jid, text string) error {
	for _, ch := range c.channels {
		if !ch.Owns(jid) {
			continue
		}
		if err := ch.Send(ctx, jid, text); err != nil {
			logger.WarnCF("runtime", "send failed, queuing to outbox", map[string]interface{}{
				"channel": ch.Name(), "chat_jid": jid, "error": err.Error(),
			})
			return c.Store.OutboxEnqueue(model.OutboxEntry{
				Channel: ch.Name(), UserID: jid, Text: text, NextRetry: time.Now(),
			})
		}
		return nil
	}
	return fmt.Errorf("no channel owns jid %q", jid)
}

// drainOutbox retries every due outbox entry for every registered
// channel until ctx is cancelled, applying the same base-retry/backoff
// shape Queue uses for job retries.
func (c *Core) drainOutbox(ctx context.Context) {
	ticker := time.NewTicker(c.Config.OutboxDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ch := range c.channels {
				c.drainOutboxFor(ctx, ch)
			}
		}
	}
}

func (c *Core) drainOutboxFor(ctx context.Context, ch channel.Channel) {
	pending, err := c.Store.OutboxPending(ch.Name(), time.Now())
	if err != nil {
		logger.ErrorCF("runtime", "listing outbox entries failed", map[string]interface{}{"channel": ch.Name(), "error": err.Error()})
		return
	}
	for _, e := range pending {
		if err := ch.Send(ctx, e.UserID, e.Text); err != nil {
			attempts := e.Attempts + 1
			if attempts >= c.Config.OutboxMaxAttempts {
				logger.ErrorCF("runtime", "outbox entry exhausted retries, dropping", map[string]interface{}{"chat_jid": e.UserID, "error": err.Error()})
				_ = c.Store.OutboxAck(e.ID)
				continue
			}
			delay := c.Config.BaseRetryInterval * time.Duration(int64(1)<<uint(attempts-1))
			_ = c.Store.OutboxMarkRetry(e.ID, attempts, time.Now().Add(delay))
			continue
		}
		_ = c.Store.OutboxAck(e.ID)
	}
}

// logStartupInfo logs a structured summary of loaded channels,
// registered chats, and pending scheduled tasks on boot, adapted from
// picoclaw's AgentLoop.GetStartupInfo.
func (c *Core) logStartupInfo() {
	channelNames := make([]string, 0, len(c.channels))
	for _, ch := range c.channels {
		channelNames = append(channelNames, ch.Name())
	}

	chats, err := c.Store.ListChats()
	if err != nil {
		logger.WarnCF("runtime", "listing chats for startup info failed", map[string]interface{}{"error": err.Error()})
		chats = nil
	}

	tasks, err := c.Store.ListTasks()
	if err != nil {
		logger.WarnCF("runtime", "listing tasks for startup info failed", map[string]interface{}{"error": err.Error()})
		tasks = nil
	}

	logger.InfoCF("runtime", "pocketbrain starting", map[string]interface{}{
		"channels":        channelNames,
		"registered_chats": len(chats),
		"scheduled_tasks": len(tasks),
	})
}

// Run starts every channel and core loop, blocking until ctx is
// cancelled, then shuts everything down in reverse dependency order.
func (c *Core) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, ch := range c.channels {
		if err := ch.Connect(ctx); err != nil {
			cancel()
			return fmt.Errorf("connecting channel %s: %w", ch.Name(), err)
		}
		logger.InfoCF("runtime", "channel connected", map[string]interface{}{"channel": ch.Name()})
	}

	c.logStartupInfo()

	c.wg.Add(4)
	go func() { defer c.wg.Done(); c.orch.Run(ctx) }()
	go func() { defer c.wg.Done(); c.sched.Run(ctx) }()
	go func() { defer c.wg.Done(); c.ipcWatcher.Run(ctx) }()
	go func() { defer c.wg.Done(); c.drainOutbox(ctx) }()

	<-ctx.Done()
	return c.shutdown()
}

// Stop cancels the running core, triggering the shutdown sequence in Run.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Core) shutdown() error {
	logger.InfoCF("runtime", "shutting down", nil)

	c.wg.Wait()
	c.queue.Shutdown(c.Config.IdleTimeout)

	disconnectCtx := context.Background()
	for i := len(c.channels) - 1; i >= 0; i-- {
		ch := c.channels[i]
		if err := ch.Disconnect(disconnectCtx); err != nil {
			logger.WarnCF("runtime", "channel disconnect failed", map[string]interface{}{"channel": ch.Name(), "error": err.Error()})
		}
	}

	return c.Store.Close()
}
