// Package config resolves runtime configuration from the environment with
// validated defaults. Secrets stay in env vars; the config object carries the
// var values, never writes them anywhere.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported LLM providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// LLMConfig selects the provider and default model.
type LLMConfig struct {
	Provider        string // LLM_PROVIDER
	Model           string // LLM_MODEL
	OpenAIAPIKey    string // OPENAI_API_KEY
	AnthropicAPIKey string // ANTHROPIC_API_KEY
}

// APIKey returns the key for the configured provider.
func (c LLMConfig) APIKey() string {
	if c.Provider == ProviderAnthropic {
		return c.AnthropicAPIKey
	}
	return c.OpenAIAPIKey
}

// AgentConfig controls the step loop and the default scope for runs created
// outside an authenticated context (CLI, smoke tests).
type AgentConfig struct {
	DefaultAgentID string   // LOOM_DEFAULT_AGENT
	MaxSteps       int      // LOOM_MAX_STEPS
	Skills         []string // LOOM_SKILLS, comma-separated
	OrgID          string   // AGENT_ORG_ID
	UserID         string   // AGENT_USER_ID
	ProjectID      string   // AGENT_PROJECT_ID
}

// QueueConfig sizes the run queue.
type QueueConfig struct {
	MaxSize    int           // LOOM_QUEUE_SIZE
	RunTimeout time.Duration // LOOM_RUN_TIMEOUT_MS, zero disables
}

// ToolsConfig controls tool execution and the optional MCP source.
type ToolsConfig struct {
	CallTimeout  time.Duration // LOOM_TOOL_TIMEOUT_MS
	MCPServerURL string        // MCP_SERVER_URL, empty disables
}

// EventsConfig controls event persistence and streaming.
type EventsConfig struct {
	PersistLLMTokens bool // PERSIST_LLM_TOKENS
}

// RetentionConfig controls pruning of old run data. Zero TTL disables it.
type RetentionConfig struct {
	TTL time.Duration // LOOM_RETENTION_DAYS, in days
}

// Config is the resolved runtime configuration.
type Config struct {
	Port        int    // PORT
	DataDir     string // DATA_DIR
	DatabaseURL string // DATABASE_URL, empty selects the in-memory repository

	LLM       LLMConfig
	Agent     AgentConfig
	Queue     QueueConfig
	Tools     ToolsConfig
	Events    EventsConfig
	Retention RetentionConfig
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Port:        envInt("PORT", 8080),
		DataDir:     envString("DATA_DIR", "./data"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LLM: LLMConfig{
			Provider:        envString("LLM_PROVIDER", ProviderOpenAI),
			Model:           os.Getenv("LLM_MODEL"),
			OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
			AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		},
		Agent: AgentConfig{
			DefaultAgentID: envString("LOOM_DEFAULT_AGENT", "assistant"),
			MaxSteps:       envInt("LOOM_MAX_STEPS", 30),
			Skills:         envList("LOOM_SKILLS"),
			OrgID:          envString("AGENT_ORG_ID", "local"),
			UserID:         envString("AGENT_USER_ID", "local"),
			ProjectID:      os.Getenv("AGENT_PROJECT_ID"),
		},
		Queue: QueueConfig{
			MaxSize:    envInt("LOOM_QUEUE_SIZE", 100),
			RunTimeout: envDurationMS("LOOM_RUN_TIMEOUT_MS", 0),
		},
		Tools: ToolsConfig{
			CallTimeout:  envDurationMS("LOOM_TOOL_TIMEOUT_MS", 30_000),
			MCPServerURL: os.Getenv("MCP_SERVER_URL"),
		},
		Events: EventsConfig{
			PersistLLMTokens: envBool("PERSIST_LLM_TOKENS", false),
		},
		Retention: RetentionConfig{
			TTL: time.Duration(envInt("LOOM_RETENTION_DAYS", 0)) * 24 * time.Hour,
		},
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: DATA_DIR is required")
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("config: unsupported LLM provider %q", c.LLM.Provider)
	}
	if c.LLM.APIKey() == "" {
		return fmt.Errorf("config: no API key set for provider %s", c.LLM.Provider)
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("config: LOOM_MAX_STEPS must be positive")
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("config: LOOM_QUEUE_SIZE must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationMS(key string, defMS int) time.Duration {
	return time.Duration(envInt(key, defMS)) * time.Millisecond
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
