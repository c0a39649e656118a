package dispatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/testforge/dispatch/flags"
)

// parseConfig runs NewConfig through a real cli invocation.
func parseConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg *Config
	var cfgErr error
	app := cli.NewApp()
	app.Flags = flags.Flags
	app.Action = func(ctx *cli.Context) error {
		cfg, cfgErr = NewConfig(ctx, zerolog.Nop())
		return nil
	}
	require.NoError(t, app.Run(append([]string{"dispatch"}, args...)))
	return cfg, cfgErr
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(t, "--worker-command", "npx", "--worker-command", "vitest")
	require.NoError(t, err)

	assert.Equal(t, []string{"npx", "vitest"}, cfg.WorkerCommand)
	assert.Equal(t, "0.0.0.0:8545", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.GraceWindow)
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.False(t, cfg.RunOnce)
	assert.Zero(t, cfg.RunInterval)
}

func TestNewConfigRequiresWorkerCommand(t *testing.T) {
	app := cli.NewApp()
	app.Flags = flags.Flags
	app.Action = func(ctx *cli.Context) error { return nil }
	err := app.Run([]string{"dispatch"})
	require.Error(t, err, "missing worker-command must fail flag parsing")
}

func TestNewConfigRunOnceExcludesInterval(t *testing.T) {
	_, err := parseConfig(t,
		"--worker-command", "true",
		"--run-once",
		"--run-interval", "1h",
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestWorkerProfileOverrides(t *testing.T) {
	dir := t.TempDir()
	profilePath := filepath.Join(dir, "worker.yaml")
	require.NoError(t, os.WriteFile(profilePath, []byte(`
workdir: /srv/tests
env:
  CI: "1"
  NODE_ENV: test
`), 0o644))

	cfg, err := parseConfig(t,
		"--worker-command", "npx",
		"--workdir", "/tmp/ignored",
		"--worker-profile", profilePath,
	)
	require.NoError(t, err)

	assert.Equal(t, "/srv/tests", cfg.WorkDir, "profile workdir overrides the flag")
	assert.Contains(t, cfg.ExtraEnv, "CI=1")
	assert.Contains(t, cfg.ExtraEnv, "NODE_ENV=test")
}

func TestWorkerProfileInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	profilePath := filepath.Join(dir, "worker.yaml")
	require.NoError(t, os.WriteFile(profilePath, []byte("env: [not, a, map]"), 0o644))

	_, err := parseConfig(t, "--worker-command", "npx", "--worker-profile", profilePath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker profile")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			WorkerCommand: []string{"true"},
			ListenAddr:    "127.0.0.1:0",
			CallbackURL:   "http://127.0.0.1:8545",
			GraceWindow:   time.Second,
			MaxConcurrent: 1,
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.WorkerCommand = nil
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.MaxConcurrent = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.GraceWindow = -time.Second
	require.Error(t, cfg.Validate())
}
