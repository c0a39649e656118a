// Package dispatch assembles the run dispatch service: an active run
// registry fronted by an HTTP ingestion/viewer API, a worker process
// supervisor, and a websocket broadcast hub.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/testforge/dispatch/hub"
	"github.com/testforge/dispatch/registry"
	"github.com/testforge/dispatch/server"
	"github.com/testforge/dispatch/store"
	"github.com/testforge/dispatch/supervisor"
	"github.com/testforge/dispatch/types"
)

// completedRunTTL bounds how long persisted run records are retained.
const completedRunTTL = 30 * 24 * time.Hour

// Dispatch wires the core components together and drives their lifecycle.
type Dispatch struct {
	ctx        context.Context
	config     *Config
	version    string
	log        zerolog.Logger
	store      store.Store
	registry   *registry.Registry
	hub        *hub.Hub
	supervisor *supervisor.Supervisor
	server     *server.Server
	scheduler  *IntervalScheduler

	running atomic.Bool

	shutdownCallback func(error) // signals application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Dispatch, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug().
		Strs("workerCommand", config.WorkerCommand).
		Str("listenAddr", config.ListenAddr).
		Dur("runInterval", config.RunInterval).
		Bool("runOnce", config.RunOnce).
		Msg("creating dispatch service")

	st, err := newStore(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	h := hub.New(hub.Config{
		Log: config.Log,
	})

	reg := registry.NewRegistry(registry.Config{
		Log:         config.Log,
		GraceWindow: config.GraceWindow,
		Publisher:   h,
		Store:       st,
	})
	h.SetSnapshotFunc(reg.Snapshot)

	sup, err := supervisor.New(supervisor.Config{
		Log:           config.Log,
		Registry:      reg,
		WorkerCommand: config.WorkerCommand,
		WorkDir:       config.WorkDir,
		ExtraEnv:      config.ExtraEnv,
		CallbackURL:   config.CallbackURL,
		MaxConcurrent: int64(config.MaxConcurrent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	srv := server.New(server.Config{
		Log:             config.Log,
		Registry:        reg,
		Hub:             h,
		Launcher:        sup,
		AdminToken:      config.AdminToken,
		AllowAllOrigins: config.AllowAllOrigins,
	})

	d := &Dispatch{
		ctx:              ctx,
		config:           config,
		version:          version,
		log:              config.Log.With().Str("component", "dispatch").Logger(),
		store:            st,
		registry:         reg,
		hub:              h,
		supervisor:       sup,
		server:           srv,
		shutdownCallback: shutdownCallback,
	}

	if config.RunInterval > 0 {
		d.scheduler = NewIntervalScheduler(config.RunInterval, config.Log)
		d.scheduler.RegisterCallback(d.launchScheduledRun)
	}

	return d, nil
}

func newStore(config *Config) (store.Store, error) {
	if config.RedisURL == "" {
		config.Log.Info().Msg("no redis configured, keeping completed runs in memory")
		return store.NewMemoryStore(), nil
	}
	client, err := store.NewRedisClient(config.RedisURL)
	if err != nil {
		return nil, err
	}
	return store.NewRedisStore(client, completedRunTTL), nil
}

// Start brings up the hub, the api server and, depending on configuration,
// either the run scheduler or a single supervised run.
func (d *Dispatch) Start(ctx context.Context) error {
	d.ctx = ctx
	d.running.Store(true)

	d.hub.Start(ctx)

	go func() {
		if err := d.server.Start(d.config.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error().Err(err).Msg("api server failed")
			d.shutdownCallback(NewRuntimeError(err))
		}
	}()

	if d.config.RunOnce {
		d.log.Info().Msg("starting in run-once mode")
		return d.runOnce(ctx)
	}

	if d.scheduler != nil {
		if err := d.scheduler.Start(ctx); err != nil {
			return NewRuntimeError(err)
		}
	}

	d.log.Info().Str("version", d.version).Msg("dispatch started")
	return nil
}

// runOnce launches a single full run, waits for the worker to exit, prints
// the results and signals shutdown with the appropriate exit error.
func (d *Dispatch) runOnce(ctx context.Context) error {
	runID, err := d.supervisor.Launch(ctx, types.RunKindBulk, "")
	if err != nil {
		return NewRuntimeError(fmt.Errorf("failed to launch run: %w", err))
	}

	if err := d.supervisor.Wait(ctx, runID); err != nil {
		return NewRuntimeError(err)
	}

	run, ok := d.registry.GetRun(runID)
	if !ok {
		return NewRuntimeError(fmt.Errorf("run %s vanished before results could be read", runID))
	}
	PrintRunResults(os.Stdout, run)

	if run.Status == types.RunStatusFailed || run.Progress.Failed > 0 {
		return NewRunFailureError(fmt.Sprintf("run %s finished with %d failed tests", runID, run.Progress.Failed))
	}

	d.log.Info().Str("runId", runID).Msg("run completed, exiting (run-once mode)")
	go func() {
		d.shutdownCallback(nil)
	}()
	return nil
}

// launchScheduledRun is the scheduler callback. Admission conflicts mean a
// previous scheduled run is still going; that is logged, not escalated.
func (d *Dispatch) launchScheduledRun() error {
	runID, err := d.supervisor.Launch(d.ctx, types.RunKindBulk, "")
	if err != nil {
		var conflict *registry.AlreadyRunningError
		if errors.As(err, &conflict) {
			d.log.Warn().
				Str("currentRunId", conflict.CurrentRunID).
				Dur("estimatedRemaining", conflict.EstimatedRemaining).
				Msg("skipping scheduled run, previous run still active")
			return nil
		}
		return err
	}
	d.log.Info().Str("runId", runID).Msg("scheduled run launched")
	return nil
}

// Stop stops the dispatch service.
func (d *Dispatch) Stop(ctx context.Context) error {
	d.log.Info().Msg("stopping dispatch")

	if !d.running.Load() {
		d.log.Debug().Msg("service already stopped, nothing to do")
		return nil
	}
	d.running.Store(false)

	if d.scheduler != nil {
		_ = d.scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.log.Error().Err(err).Msg("api server shutdown failed")
	}

	if err := d.supervisor.WaitForShutdown(shutdownCtx); err != nil {
		d.log.Warn().Err(err).Msg("worker processes still running at shutdown")
	}

	d.hub.Stop()

	d.log.Info().Msg("dispatch stopped")
	return nil
}

// Stopped returns true if the dispatch service is stopped.
func (d *Dispatch) Stopped() bool {
	return !d.running.Load()
}
