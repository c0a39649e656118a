package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "DISPATCH"

func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	WorkerCommand = &cli.StringSliceFlag{
		Name:     "worker-command",
		Required: true,
		EnvVars:  prefixEnvVars("WORKER_COMMAND"),
		Usage:    "Command (and arguments) that launches the worker process for a run",
	}
	WorkerProfile = &cli.StringFlag{
		Name:    "worker-profile",
		Value:   "",
		EnvVars: prefixEnvVars("WORKER_PROFILE"),
		Usage:   "Path to a worker profile file (eg. 'worker.yaml') with environment and workdir overrides",
	}
	WorkDir = &cli.StringFlag{
		Name:    "workdir",
		Value:   ".",
		EnvVars: prefixEnvVars("WORKDIR"),
		Usage:   "Working directory the worker process is launched in",
	}
	ListenAddr = &cli.StringFlag{
		Name:    "listen-addr",
		Value:   "0.0.0.0:8545",
		EnvVars: prefixEnvVars("LISTEN_ADDR"),
		Usage:   "Address the api server listens on",
	}
	CallbackURL = &cli.StringFlag{
		Name:    "callback-url",
		Value:   "http://127.0.0.1:8545",
		EnvVars: prefixEnvVars("CALLBACK_URL"),
		Usage:   "Base URL the worker process reports back to",
	}
	AdminToken = &cli.StringFlag{
		Name:    "admin-token",
		Value:   "",
		EnvVars: prefixEnvVars("ADMIN_TOKEN"),
		Usage:   "Token required for administrative endpoints. Empty disables them.",
	}
	RedisURL = &cli.StringFlag{
		Name:    "redis-url",
		Value:   "",
		EnvVars: prefixEnvVars("REDIS_URL"),
		Usage:   "Redis URL for persisting completed runs (eg. 'redis://localhost:6379'). Empty keeps results in memory.",
	}
	GraceWindow = &cli.DurationFlag{
		Name:    "grace-window",
		Value:   30 * time.Second,
		EnvVars: prefixEnvVars("GRACE_WINDOW"),
		Usage:   "How long closed runs stay visible before eviction",
	}
	MaxConcurrent = &cli.IntFlag{
		Name:    "max-concurrent",
		Value:   8,
		EnvVars: prefixEnvVars("MAX_CONCURRENT"),
		Usage:   "Maximum number of concurrently supervised worker processes",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: prefixEnvVars("RUN_INTERVAL"),
		Usage:   "Interval between scheduled full runs (e.g. '1h', '30m'). Set to 0 to disable scheduling.",
	}
	RunOnce = &cli.BoolFlag{
		Name:    "run-once",
		Value:   false,
		EnvVars: prefixEnvVars("RUN_ONCE"),
		Usage:   "Launch a single full run, print its results and exit",
	}
	AllowAllOrigins = &cli.BoolFlag{
		Name:    "allow-all-origins",
		Value:   false,
		EnvVars: prefixEnvVars("ALLOW_ALL_ORIGINS"),
		Usage:   "Accept websocket connections from any origin",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
		Usage:   "Log level (trace, debug, info, warn, error)",
	}
	LogPretty = &cli.BoolFlag{
		Name:    "log-pretty",
		Value:   false,
		EnvVars: prefixEnvVars("LOG_PRETTY"),
		Usage:   "Render console-friendly logs instead of JSON",
	}
)

var requiredFlags = []cli.Flag{
	WorkerCommand,
}

var optionalFlags = []cli.Flag{
	WorkerProfile,
	WorkDir,
	ListenAddr,
	CallbackURL,
	AdminToken,
	RedisURL,
	GraceWindow,
	MaxConcurrent,
	RunInterval,
	RunOnce,
	AllowAllOrigins,
	LogLevel,
	LogPretty,
}

var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
