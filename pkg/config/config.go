// Package config defines the server configuration with defaults, validation
// and environment fallbacks.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ApprovalPolicy controls which tool invocations require client approval.
type ApprovalPolicy string

const (
	// PolicySuggest auto-approves read-only commands only.
	PolicySuggest ApprovalPolicy = "suggest"
	// PolicyAutoEdit additionally auto-approves patches inside writable roots.
	PolicyAutoEdit ApprovalPolicy = "auto-edit"
	// PolicyFullAuto auto-approves everything; sandboxing is mandatory.
	PolicyFullAuto ApprovalPolicy = "full-auto"
)

// ContextStrategy selects how the context manager reacts to token pressure.
type ContextStrategy string

const (
	StrategyThreshold ContextStrategy = "threshold"
	StrategyPassive   ContextStrategy = "passive"
)

type Config struct {
	Server  ServerConfig  `yaml:"server,omitempty"`
	LLM     LLMConfig     `yaml:"llm,omitempty"`
	Agent   AgentConfig   `yaml:"agent,omitempty"`
	Context ContextConfig `yaml:"context,omitempty"`
	Stores  StoreConfig   `yaml:"stores,omitempty"`
	MCP     []MCPServer   `yaml:"mcp,omitempty"`
}

type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

type AgentConfig struct {
	// Instructions is the system prompt prepended to every turn.
	Instructions string `yaml:"instructions,omitempty"`

	ApprovalPolicy ApprovalPolicy `yaml:"approval_policy,omitempty"`

	WorkingDirectory string `yaml:"working_directory,omitempty"`

	// WritableRoots are the directories auto-edit may patch without asking.
	// The working directory and the OS tempdir are always included.
	WritableRoots []string `yaml:"writable_roots,omitempty"`

	// ShellTimeout is the default timeout for shell tool executions.
	ShellTimeout time.Duration `yaml:"shell_timeout,omitempty"`

	EnableSandboxing bool `yaml:"enable_sandboxing,omitempty"`
}

type ContextConfig struct {
	Strategy ContextStrategy `yaml:"strategy,omitempty"`

	// CompactionThreshold is the usage fraction above which the threshold
	// strategy compacts (0.8 = 80%).
	CompactionThreshold float64 `yaml:"compaction_threshold,omitempty"`

	// MaxTokens is the context window budget tracked per session.
	MaxTokens int `yaml:"max_tokens,omitempty"`
}

type StoreConfig struct {
	// SessionDir holds per-session journal files (<session-id>.jsonl).
	SessionDir string `yaml:"session_dir,omitempty"`

	// TodosDir holds per-session todos.json files.
	TodosDir string `yaml:"todos_dir,omitempty"`
}

type MCPServer struct {
	Name    string            `yaml:"name,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.LLM.SetDefaults()
	c.Agent.SetDefaults()
	c.Context.SetDefaults()
	c.Stores.SetDefaults()
}

func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Agent.Validate(); err != nil {
		return err
	}
	if err := c.Context.Validate(); err != nil {
		return err
	}
	for i, srv := range c.MCP {
		if srv.URL == "" && srv.Command == "" {
			return fmt.Errorf("mcp server %d: url or command is required", i)
		}
	}
	return nil
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

func (c *AgentConfig) SetDefaults() {
	if c.ApprovalPolicy == "" {
		if policy := os.Getenv("AGENTD_APPROVAL_POLICY"); policy != "" {
			c.ApprovalPolicy = ApprovalPolicy(policy)
		} else {
			c.ApprovalPolicy = PolicySuggest
		}
	}
	if c.WorkingDirectory == "" {
		if wd, err := os.Getwd(); err == nil {
			c.WorkingDirectory = wd
		} else {
			c.WorkingDirectory = "."
		}
	}
	if c.ShellTimeout == 0 {
		c.ShellTimeout = 10 * time.Second
	}

	roots := []string{c.WorkingDirectory, os.TempDir()}
	for _, root := range c.WritableRoots {
		if abs, err := filepath.Abs(root); err == nil {
			roots = append(roots, abs)
		}
	}
	c.WritableRoots = roots
}

func (c *AgentConfig) Validate() error {
	switch c.ApprovalPolicy {
	case PolicySuggest, PolicyAutoEdit, PolicyFullAuto:
	default:
		slog.Warn("Invalid approval policy, falling back to suggest", "policy", c.ApprovalPolicy)
		c.ApprovalPolicy = PolicySuggest
	}
	if c.ApprovalPolicy == PolicyFullAuto && !c.EnableSandboxing {
		slog.Warn("full-auto policy without sandboxing; enabling sandbox")
		c.EnableSandboxing = true
	}
	return nil
}

func (c *ContextConfig) SetDefaults() {
	if c.Strategy == "" {
		if strategy := os.Getenv("AGENTD_CONTEXT_STRATEGY"); strategy != "" {
			c.Strategy = ContextStrategy(strategy)
		} else {
			c.Strategy = StrategyThreshold
		}
	}
	if c.CompactionThreshold <= 0 || c.CompactionThreshold > 1 {
		c.CompactionThreshold = 0.8
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 128000
	}
}

func (c *ContextConfig) Validate() error {
	switch c.Strategy {
	case StrategyThreshold, StrategyPassive:
	default:
		slog.Warn("Unknown context strategy, falling back to threshold", "strategy", c.Strategy)
		c.Strategy = StrategyThreshold
	}
	return nil
}

func (c *StoreConfig) SetDefaults() {
	if c.SessionDir == "" {
		c.SessionDir = envOr("AGENTD_SESSION_DIR", filepath.Join(".agentd", "sessions"))
	}
	if c.TodosDir == "" {
		c.TodosDir = envOr("AGENTD_TODOS_DIR", filepath.Join(".agentd", "todos"))
	}
}

// EnsureDirs creates the store directories if missing.
func (c *StoreConfig) EnsureDirs() error {
	for _, dir := range []string{c.SessionDir, c.TodosDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
