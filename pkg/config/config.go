// Package config loads PocketBrain's runtime configuration from
// environment variables. There is no dynamic reload: a Config is parsed
// once at process startup and handed to every component that needs it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every scalar PocketBrain needs at startup.
type Config struct {
	DataDir  string `env:"POCKETBRAIN_DATA_DIR" envDefault:"~/.pocketbrain"`
	Timezone string `env:"POCKETBRAIN_TIMEZONE" envDefault:"UTC"`

	OrchestratorTickInterval time.Duration `env:"POCKETBRAIN_ORCHESTRATOR_TICK" envDefault:"2s"`
	IpcPollInterval          time.Duration `env:"POCKETBRAIN_IPC_POLL" envDefault:"1s"`
	SchedulerTickInterval    time.Duration `env:"POCKETBRAIN_SCHEDULER_TICK" envDefault:"60s"`

	IdleTimeout   time.Duration `env:"POCKETBRAIN_IDLE_TIMEOUT" envDefault:"30m"`
	MaxConcurrent int           `env:"POCKETBRAIN_MAX_CONCURRENT" envDefault:"4"`

	MaxRetries          int           `env:"POCKETBRAIN_MAX_RETRIES" envDefault:"5"`
	BaseRetryInterval   time.Duration `env:"POCKETBRAIN_BASE_RETRY" envDefault:"5s"`
	SessionInitTimeout  time.Duration `env:"POCKETBRAIN_SESSION_INIT_TIMEOUT" envDefault:"15s"`
	PromptStreamTimeout time.Duration `env:"POCKETBRAIN_PROMPT_STREAM_TIMEOUT" envDefault:"120s"`
	CanonicalFetchTimeout time.Duration `env:"POCKETBRAIN_CANONICAL_FETCH_TIMEOUT" envDefault:"30s"`
	OverallPromptTimeout  time.Duration `env:"POCKETBRAIN_OVERALL_PROMPT_TIMEOUT" envDefault:"5m"`

	IpcErrorRetention time.Duration `env:"POCKETBRAIN_IPC_ERROR_RETENTION" envDefault:"168h"`

	OutboxDrainInterval time.Duration `env:"POCKETBRAIN_OUTBOX_DRAIN" envDefault:"5s"`
	OutboxMaxAttempts   int           `env:"POCKETBRAIN_OUTBOX_MAX_ATTEMPTS" envDefault:"10"`

	LogFormat string `env:"POCKETBRAIN_LOG_FORMAT" envDefault:"console"`
	LogLevel  string `env:"POCKETBRAIN_LOG_LEVEL" envDefault:"info"`

	Anthropic AnthropicConfig
	OpenAI    OpenAIConfig
	Discord   DiscordConfig
	CLI       CLIChannelConfig
}

// AnthropicConfig configures the Claude-backed AgentRuntime.
type AnthropicConfig struct {
	APIKey  string `env:"ANTHROPIC_API_KEY"`
	BaseURL string `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com"`
	Model   string `env:"ANTHROPIC_MODEL" envDefault:"claude-sonnet-4-5-20250929"`
	UseOAuth bool  `env:"ANTHROPIC_USE_OAUTH" envDefault:"false"`
}

// OpenAIConfig configures the fallback AgentRuntime.
type OpenAIConfig struct {
	APIKey  string `env:"OPENAI_API_KEY"`
	BaseURL string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	Model   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
}

// DiscordConfig configures the reference Discord Channel.
type DiscordConfig struct {
	Enabled bool   `env:"POCKETBRAIN_DISCORD_ENABLED" envDefault:"false"`
	Token   string `env:"DISCORD_BOT_TOKEN"`
}

// CLIChannelConfig configures the interactive readline Channel.
type CLIChannelConfig struct {
	Enabled bool `env:"POCKETBRAIN_CLI_ENABLED" envDefault:"true"`
}

// Load parses Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	dir, err := expandHome(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("expanding data dir: %w", err)
	}
	cfg.DataDir = dir

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	return cfg, nil
}

// Location returns the configured timezone as a *time.Location.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StorePath returns the path to the SQLite database file.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "pocketbrain.db")
}

// IpcRoot returns the root of the file-based IPC surface.
func (c *Config) IpcRoot() string {
	return filepath.Join(c.DataDir, "ipc")
}

// WorkspacePath returns the directory the agent's own file tools operate in.
func (c *Config) WorkspacePath() string {
	return filepath.Join(c.DataDir, "workspace")
}

// CredentialsPath returns the path to the OAuth credentials file.
func (c *Config) CredentialsPath() string {
	return filepath.Join(c.DataDir, "auth", "credentials.json")
}

// InstructionsDir returns the directory holding per-chat instructions
// files: one optional "<folder>.md" per chat, injected into that chat's
// first prompt on a new session.
func (c *Config) InstructionsDir() string {
	return filepath.Join(c.DataDir, "instructions")
}

func expandHome(p string) (string, error) {
	if p == "" || p[0] != '~' {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if p == "~" {
		return home, nil
	}
	return filepath.Join(home, p[2:]), nil
}
