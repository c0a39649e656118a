package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	dispatch "github.com/testforge/dispatch"
	"github.com/testforge/dispatch/exitcodes"
	"github.com/testforge/dispatch/flags"
	"github.com/testforge/dispatch/service"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "dispatch"
	app.Usage = "Test Run Dispatch Service"
	app.Description = "dispatch admits, supervises and broadcasts test runs"
	app.Flags = flags.Flags
	app.Action = run
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			if dispatch.IsRuntimeError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
			} else {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RunFailure))
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "application failed: %v\n", err)
		os.Exit(exitcodes.RuntimeErr)
	}
}

func run(cliCtx *cli.Context) error {
	log, err := newLogger(cliCtx)
	if err != nil {
		return dispatch.NewRuntimeError(err)
	}

	cfg, err := dispatch.NewConfig(cliCtx, log)
	if err != nil {
		return dispatch.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	// Auxiliary healthz and metrics listeners live for the whole process.
	svc := service.New(log)
	svc.Start(cliCtx.Context)
	defer svc.Shutdown()

	appCtx, cancelCause := context.WithCancelCause(cliCtx.Context)
	defer cancelCause(nil)

	d, err := dispatch.New(appCtx, cfg, Version, func(cause error) {
		cancelCause(cause)
	})
	if err != nil {
		return dispatch.NewRuntimeError(fmt.Errorf("failed to create dispatch: %w", err))
	}

	if err := d.Start(appCtx); err != nil {
		return err
	}

	<-appCtx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}

	cause := context.Cause(appCtx)
	if cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func newLogger(cliCtx *cli.Context) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cliCtx.String(flags.LogLevel.Name))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level: %w", err)
	}

	var log zerolog.Logger
	if cliCtx.Bool(flags.LogPretty.Name) {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger(), nil
}
