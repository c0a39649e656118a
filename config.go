package dispatch

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/testforge/dispatch/flags"
)

// Config holds the application configuration.
type Config struct {
	WorkerCommand   []string      // Command launching the worker process
	WorkDir         string        // Working directory for the worker process
	ListenAddr      string        // Address the api server binds to
	CallbackURL     string        // Base URL workers report back to
	AdminToken      string        // Gates administrative endpoints; empty disables them
	RedisURL        string        // Persistence target; empty keeps results in memory
	GraceWindow     time.Duration // How long closed runs stay visible
	MaxConcurrent   int           // Concurrently supervised worker processes
	RunInterval     time.Duration // Interval between scheduled full runs; 0 disables
	RunOnce         bool          // Launch one full run, print results, exit
	AllowAllOrigins bool          // Accept websocket connections from any origin
	ExtraEnv        []string      // Additional KEY=VALUE pairs for the worker
	Log             zerolog.Logger
}

// WorkerProfile is the optional per-deployment worker description loaded from
// a YAML file. Values set here override the corresponding flags.
type WorkerProfile struct {
	WorkDir string            `yaml:"workdir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// NewConfig creates a new Config from cli context.
func NewConfig(ctx *cli.Context, log zerolog.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	cfg := &Config{
		WorkerCommand:   ctx.StringSlice(flags.WorkerCommand.Name),
		WorkDir:         ctx.String(flags.WorkDir.Name),
		ListenAddr:      ctx.String(flags.ListenAddr.Name),
		CallbackURL:     ctx.String(flags.CallbackURL.Name),
		AdminToken:      ctx.String(flags.AdminToken.Name),
		RedisURL:        ctx.String(flags.RedisURL.Name),
		GraceWindow:     ctx.Duration(flags.GraceWindow.Name),
		MaxConcurrent:   ctx.Int(flags.MaxConcurrent.Name),
		RunInterval:     ctx.Duration(flags.RunInterval.Name),
		RunOnce:         ctx.Bool(flags.RunOnce.Name),
		AllowAllOrigins: ctx.Bool(flags.AllowAllOrigins.Name),
		Log:             log,
	}

	if profilePath := ctx.String(flags.WorkerProfile.Name); profilePath != "" {
		profile, err := LoadWorkerProfile(profilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load worker profile %q: %w", profilePath, err)
		}
		cfg.applyProfile(profile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWorkerProfile reads and parses a worker profile file.
func LoadWorkerProfile(path string) (*WorkerProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var profile WorkerProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("invalid worker profile: %w", err)
	}
	return &profile, nil
}

func (c *Config) applyProfile(profile *WorkerProfile) {
	if profile.WorkDir != "" {
		c.WorkDir = profile.WorkDir
	}
	for k, v := range profile.Env {
		c.ExtraEnv = append(c.ExtraEnv, k+"="+v)
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if len(c.WorkerCommand) == 0 {
		return errors.New("worker command is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.CallbackURL == "" {
		return errors.New("callback URL is required")
	}
	if c.GraceWindow < 0 {
		return errors.New("grace window must not be negative")
	}
	if c.MaxConcurrent <= 0 {
		return errors.New("max concurrent must be positive")
	}
	if c.RunOnce && c.RunInterval > 0 {
		return errors.New("run-once and run-interval are mutually exclusive")
	}
	return nil
}
