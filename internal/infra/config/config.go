package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level host configuration, loaded from <home>/ax.yaml.
type Config struct {
	Home         string             `yaml:"-"` // resolved home directory, not serialized
	Agent        AgentConfig        `yaml:"agent"`
	Security     SecurityConfig     `yaml:"security"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Conversation ConversationConfig `yaml:"conversation"`
	HTTP         HTTPConfig         `yaml:"http"`
	IPC          IPCConfig          `yaml:"ipc"`
	LLM          LLMConfig          `yaml:"llm"`
	Slack        *SlackConfig       `yaml:"slack,omitempty"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Delegation   DelegationConfig   `yaml:"delegation"`
	Web          WebConfig          `yaml:"web"`
}

// AgentConfig identifies the default agent the host fronts.
type AgentConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// SecurityConfig selects the policy profile and scanner behavior.
type SecurityConfig struct {
	Profile string `yaml:"profile"` // paranoid | balanced | yolo
	// AuditRetention is how long audit entries are kept before the
	// background sweep rewrites the log. Zero disables retention.
	AuditRetention time.Duration `yaml:"audit_retention"`
}

// SandboxConfig describes how agent processes are spawned.
type SandboxConfig struct {
	Type       string   `yaml:"type"` // "subprocess"
	Command    []string `yaml:"command"`
	TimeoutSec int      `yaml:"timeout_sec"`
	MemoryMB   int      `yaml:"memory_mb"`
	// SweepMaxAge is how long persistent-session workspaces survive
	// before the background sweep removes them.
	SweepMaxAge time.Duration `yaml:"sweep_max_age"`
}

// ConversationConfig bounds the stored per-session turn log.
type ConversationConfig struct {
	MaxTurns           int `yaml:"max_turns"`
	ThreadContextTurns int `yaml:"thread_context_turns"`
}

// HTTPConfig configures the unix-socket HTTP surface.
type HTTPConfig struct {
	Socket         string `yaml:"socket"` // relative to home unless absolute
	RequestsPerMin int    `yaml:"requests_per_min"`
	Burst          int    `yaml:"burst"`
}

// IPCConfig configures the sandbox-facing IPC gateway.
type IPCConfig struct {
	Socket           string        `yaml:"socket"`
	ActionTimeout    time.Duration `yaml:"action_timeout"`
	LLMActionTimeout time.Duration `yaml:"llm_action_timeout"`
}

// LLMConfig configures the streaming LLM provider.
type LLMConfig struct {
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// SlackConfig configures the Slack channel (Socket Mode).
type SlackConfig struct {
	BotToken    string   `yaml:"bot_token"`
	AppToken    string   `yaml:"app_token"`
	ChannelIDs  []string `yaml:"channel_ids,omitempty"`
	MentionOnly bool     `yaml:"mention_only,omitempty"`
}

// SchedulerConfig configures the job dispatcher.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // pretty | json
	Output string `yaml:"output"` // stdout | stderr | file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout | noop
}

// DelegationConfig bounds agent-to-agent delegation.
type DelegationConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxDepth      int `yaml:"max_depth"`
}

// WebConfig configures the web provider.
type WebConfig struct {
	SearchURL string `yaml:"search_url"` // SearxNG-compatible endpoint
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Agent:    AgentConfig{ID: "ax", Name: "ax"},
		Security: SecurityConfig{Profile: "balanced", AuditRetention: 90 * 24 * time.Hour},
		Sandbox: SandboxConfig{
			Type:        "subprocess",
			Command:     []string{"ax-agent"},
			TimeoutSec:  300,
			MemoryMB:    512,
			SweepMaxAge: 7 * 24 * time.Hour,
		},
		Conversation: ConversationConfig{MaxTurns: 50, ThreadContextTurns: 10},
		HTTP:         HTTPConfig{Socket: "ax.sock", RequestsPerMin: 100, Burst: 20},
		IPC: IPCConfig{
			Socket:           "ipc.sock",
			ActionTimeout:    30 * time.Second,
			LLMActionTimeout: 10 * time.Minute,
		},
		LLM:        LLMConfig{Model: "claude-sonnet-4-5", MaxTokens: 4096},
		Scheduler:  SchedulerConfig{Enabled: true},
		Logger:     LoggerConfig{Level: "info", Format: "pretty", Output: "stderr"},
		Tracer:     TracerConfig{Enabled: false, Exporter: "noop"},
		Delegation: DelegationConfig{MaxConcurrent: 3, MaxDepth: 2},
	}
}

// HomeDir resolves the host home directory: AX_HOME or ~/.ax.
func HomeDir() (string, error) {
	if h := os.Getenv("AX_HOME"); h != "" {
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".ax"), nil
}

// Load reads <path>, layers it over Defaults, loads <home>/.env, and applies
// environment overrides. A missing config file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	home, err := HomeDir()
	if err != nil {
		return nil, err
	}
	cfg.Home = home

	if path == "" {
		path = filepath.Join(home, "ax.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// run on defaults
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// Secrets live in <home>/.env; absence is not an error.
	_ = godotenv.Load(filepath.Join(home, ".env"))

	ApplyEnvOverrides(cfg)
	return cfg, nil
}

// ApplyEnvOverrides layers environment variables over the config.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AX_LLM_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.IPC.LLMActionTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if bot, app := os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_APP_TOKEN"); bot != "" && app != "" {
		if cfg.Slack == nil {
			cfg.Slack = &SlackConfig{}
		}
		cfg.Slack.BotToken = bot
		cfg.Slack.AppToken = app
	}
}

// Path joins p under the home directory unless p is already absolute.
func (c *Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Home, p)
}

// On-disk layout helpers.
func (c *Config) DataDir() string { return filepath.Join(c.Home, "data") }

func (c *Config) MessagesDB() string { return filepath.Join(c.DataDir(), "messages.db") }

func (c *Config) ConversationsDB() string {
	return filepath.Join(c.DataDir(), "conversations.db")
}

func (c *Config) AuditPath() string { return filepath.Join(c.DataDir(), "audit", "audit.jsonl") }

func (c *Config) WorkspacesDir() string { return filepath.Join(c.DataDir(), "workspaces") }

func (c *Config) AgentsDir() string { return filepath.Join(c.Home, "agents") }

func (c *Config) SkillsDir() string { return filepath.Join(c.Home, "skills") }

func (c *Config) RegistryPath() string { return filepath.Join(c.Home, "registry.json") }

func (c *Config) JobsPath() string { return filepath.Join(c.DataDir(), "jobs.json") }

func (c *Config) HTTPSocket() string { return c.Path(c.HTTP.Socket) }

func (c *Config) IPCSocket() string { return c.Path(c.IPC.Socket) }

// EnsureDirs creates the on-disk layout under home.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir(),
		filepath.Dir(c.AuditPath()),
		c.WorkspacesDir(),
		c.AgentsDir(),
		c.SkillsDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
