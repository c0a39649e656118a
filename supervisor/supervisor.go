// Package supervisor launches external worker processes for admitted runs and
// observes their termination. The worker reports per-test progress back over
// the ingestion interface; the supervisor only owns the process lifecycle.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/testforge/dispatch/metrics"
	"github.com/testforge/dispatch/registry"
	"github.com/testforge/dispatch/types"
)

// stderrTailLen bounds how much captured worker stderr ends up in the close
// reason.
const stderrTailLen = 512

// ErrCapacity is returned when the configured launch concurrency is
// exhausted. The run was not admitted; retrying later is safe.
var ErrCapacity = errors.New("launch capacity exhausted")

// SpawnError wraps a failure to start the worker process. The run was
// admitted and has already been closed as failed by the time this surfaces.
type SpawnError struct {
	RunID string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn worker for run %s: %v", e.RunID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Config contains supervisor configuration.
type Config struct {
	Log      zerolog.Logger
	Registry *registry.Registry

	// WorkerCommand is the executable plus fixed arguments of the external
	// test worker. Run parameters are passed through the environment.
	WorkerCommand []string
	WorkDir       string
	ExtraEnv      []string

	// CallbackURL is where the worker reports progress (the ingestion
	// interface of this process).
	CallbackURL string

	// MaxConcurrent caps simultaneously supervised processes. Zero means a
	// conservative default; admission control is still the registry's job.
	MaxConcurrent int64
}

// Supervisor spawns and observes worker processes.
type Supervisor struct {
	cfg    Config
	log    zerolog.Logger
	tracer trace.Tracer
	sem    *semaphore.Weighted

	mu      sync.Mutex
	waiters map[string]chan struct{}

	wg sync.WaitGroup
}

// New creates a supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if len(cfg.WorkerCommand) == 0 {
		return nil, errors.New("worker command is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return &Supervisor{
		cfg:     cfg,
		log:     cfg.Log.With().Str("component", "supervisor").Logger(),
		tracer:  otel.Tracer("dispatch/supervisor"),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		waiters: make(map[string]chan struct{}),
	}, nil
}

// Launch admits a run, starts the worker process for it, and registers an
// exit observer. Admission conflicts and spawn failures are returned
// synchronously; everything after a successful start is reported through the
// registry by the exit observer.
func (s *Supervisor) Launch(ctx context.Context, kind types.RunKind, scope string) (string, error) {
	if !s.sem.TryAcquire(1) {
		return "", ErrCapacity
	}

	runID, err := s.cfg.Registry.Admit(kind, scope)
	if err != nil {
		s.sem.Release(1)
		return "", err
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("supervise %s run", kind))
	s.log.Info().
		Str("run_id", runID).
		Str("kind", string(kind)).
		Str("scope", scope).
		Strs("command", s.cfg.WorkerCommand).
		Msg("launching worker")

	cmd := s.workerCommand(ctx, runID, kind, scope)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	done := make(chan struct{})
	s.mu.Lock()
	s.waiters[runID] = done
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		span.End()
		s.finish(runID, done)
		s.cfg.Registry.Close(runID, types.RunStatusFailed, fmt.Sprintf("spawn failed: %v", err))
		metrics.RecordErrorDetails("worker_spawn", err)
		s.log.Error().Err(err).Str("run_id", runID).Msg("failed to spawn worker")
		return runID, &SpawnError{RunID: runID, Err: err}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer span.End()
		s.observe(cmd, runID, &stderr, done)
	}()

	return runID, nil
}

// observe waits for the worker to exit and closes the run accordingly. A
// crashed or killed subprocess leaves the run in Running until this fires;
// if the observer itself is lost the run is only recoverable via force reset.
func (s *Supervisor) observe(cmd *exec.Cmd, runID string, stderr *bytes.Buffer, done chan struct{}) {
	defer s.finish(runID, done)

	err := cmd.Wait()
	if err == nil {
		s.log.Info().Str("run_id", runID).Msg("worker exited cleanly")
		s.cfg.Registry.Close(runID, types.RunStatusCompleted, "")
		return
	}

	reason := fmt.Sprintf("worker exited: %v", err)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		reason = fmt.Sprintf("worker exited with code %d", exitErr.ExitCode())
	}
	if tail := stderrTail(stderr); tail != "" {
		reason += ": " + tail
	}

	metrics.RecordErrorDetails("worker_exit", err)
	s.log.Warn().Err(err).Str("run_id", runID).Msg("worker exited abnormally")
	s.cfg.Registry.Close(runID, types.RunStatusFailed, reason)
}

func (s *Supervisor) finish(runID string, done chan struct{}) {
	s.mu.Lock()
	delete(s.waiters, runID)
	s.mu.Unlock()
	close(done)
	s.sem.Release(1)
}

// Wait blocks until the exit observer for the run has fired, or the context
// expires. Unknown runs return immediately: their observer already finished.
func (s *Supervisor) Wait(ctx context.Context, runID string) error {
	s.mu.Lock()
	done, ok := s.waiters[runID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForShutdown blocks until all exit observers have terminated.
func (s *Supervisor) WaitForShutdown(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		s.log.Warn().Err(ctx.Err()).Msg("timed out waiting for exit observers")
		return ctx.Err()
	}
}

// workerCommand builds the worker process with run parameters wired through
// the environment, so the subprocess can report progress back.
func (s *Supervisor) workerCommand(ctx context.Context, runID string, kind types.RunKind, scope string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, s.cfg.WorkerCommand[0], s.cfg.WorkerCommand[1:]...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(), s.cfg.ExtraEnv...)
	cmd.Env = append(cmd.Env,
		"DISPATCH_RUN_ID="+runID,
		"DISPATCH_RUN_KIND="+string(kind),
		"DISPATCH_RUN_SCOPE="+scope,
		"DISPATCH_CALLBACK_URL="+s.cfg.CallbackURL,
	)
	return cmd
}

// stderrTail returns the cleaned last portion of captured stderr.
func stderrTail(buf *bytes.Buffer) string {
	out := strings.TrimSpace(stripansi.Strip(buf.String()))
	if len(out) > stderrTailLen {
		out = "..." + out[len(out)-stderrTailLen:]
	}
	return out
}
