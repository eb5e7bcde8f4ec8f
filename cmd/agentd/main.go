// Command agentd runs the agent server: websocket sessions in front of a
// streaming LLM provider, with tool execution, approvals and durable
// per-session journals.
//
// Usage:
//
//	agentd serve --config config.yaml
//	agentd serve --provider anthropic --model claude-sonnet-4-20250514
//	agentd validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	agentd "github.com/tinkerbay/agentd"
	"github.com/tinkerbay/agentd/pkg/config"
	"github.com/tinkerbay/agentd/pkg/logger"
	"github.com/tinkerbay/agentd/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the agent server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	info := agentd.GetVersion()
	if build, ok := debug.ReadBuildInfo(); ok {
		if build.Main.Version != "(devel)" && build.Main.Version != "" {
			info.Version = build.Main.Version
		}
	}
	fmt.Println(info.String())
	return nil
}

// ValidateCmd loads a config file and reports whether it is usable.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s: OK\n", cli.Config)
	return nil
}

// ServeCmd starts the server.
type ServeCmd struct {
	Provider string `help:"LLM provider (anthropic, openai, gemini)."`
	Model    string `help:"Model name."`
	APIKey   string `name:"api-key" help:"API key (defaults to the provider's environment variable)."`
	BaseURL  string `name:"base-url" help:"Custom API base URL."`

	ApprovalPolicy string `name:"approval-policy" help:"Approval policy (suggest, auto-edit, full-auto)."`
	Instructions   string `help:"System instructions for the agent."`
	WorkDir        string `name:"work-dir" help:"Agent working directory." type:"path"`

	ContextStrategy     string  `name:"context-strategy" help:"Context strategy (threshold, passive)."`
	CompactionThreshold float64 `name:"compaction-threshold" help:"Usage fraction that triggers auto-compaction (0.8 = 80%)."`

	SessionDir string `name:"session-dir" help:"Directory for session journals." type:"path"`
	TodosDir   string `name:"todos-dir" help:"Directory for per-session todo files." type:"path"`

	Host string `help:"Host to bind."`
	Port int    `help:"Port to listen on."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadFile(cli.Config)
	if err != nil {
		return err
	}
	c.applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Stores.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to create store directories: %w", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		cancel()
	}()

	fmt.Printf("agentd listening on %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Sessions: ws://%s:%d/ws\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Health:   http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Metrics:  http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println("\nPress Ctrl+C to stop")

	if err := srv.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// applyOverrides layers explicit CLI flags over the loaded config.
func (c *ServeCmd) applyOverrides(cfg *config.Config) {
	if c.Provider != "" {
		cfg.LLM.Provider = config.LLMProvider(c.Provider)
	}
	if c.Model != "" {
		cfg.LLM.Model = c.Model
	}
	if c.APIKey != "" {
		cfg.LLM.APIKey = c.APIKey
	}
	if c.BaseURL != "" {
		cfg.LLM.BaseURL = c.BaseURL
	}
	if c.ApprovalPolicy != "" {
		cfg.Agent.ApprovalPolicy = config.ApprovalPolicy(c.ApprovalPolicy)
	}
	if c.Instructions != "" {
		cfg.Agent.Instructions = c.Instructions
	}
	if c.WorkDir != "" {
		cfg.Agent.WorkingDirectory = c.WorkDir
	}
	if c.ContextStrategy != "" {
		cfg.Context.Strategy = config.ContextStrategy(c.ContextStrategy)
	}
	if c.CompactionThreshold != 0 {
		cfg.Context.CompactionThreshold = c.CompactionThreshold
	}
	if c.SessionDir != "" {
		cfg.Stores.SessionDir = c.SessionDir
	}
	if c.TodosDir != "" {
		cfg.Stores.TodosDir = c.TodosDir
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	cfg.SetDefaults()
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load env files: %v\n", err)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("agentd"),
		kong.Description("agentd - websocket agent server"),
		kong.UsageOnError(),
	)

	if err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

func initLogger(levelStr, file, format string) error {
	if envLevel := os.Getenv("LOG_LEVEL"); levelStr == "" && envLevel != "" {
		levelStr = envLevel
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return err
	}

	output := os.Stderr
	if file == "" {
		file = os.Getenv("LOG_FILE")
	}
	if file != "" {
		f, _, err := logger.OpenLogFile(file)
		if err != nil {
			return err
		}
		output = f
	}

	logger.Init(level, output, format)
	return nil
}
