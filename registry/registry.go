// Package registry owns the authoritative in-memory state of currently
// executing run batches. Every mutation is serialized under one lock and
// published, in mutation order, to an optional event publisher.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/testforge/dispatch/metrics"
	"github.com/testforge/dispatch/store"
	"github.com/testforge/dispatch/types"
)

// DefaultGraceWindow is how long a closed run remains queryable for late
// worker callbacks before it is evicted. Tunable, not load-bearing.
const DefaultGraceWindow = 30 * time.Second

// Publisher receives one event per externally-visible registry mutation.
// Publish must not block; the registry calls it while holding its lock to
// preserve mutation order.
type Publisher interface {
	Publish(types.Event)
}

// Config contains registry configuration.
type Config struct {
	Log         zerolog.Logger
	GraceWindow time.Duration
	Publisher   Publisher   // optional; nil disables broadcasting
	Store       store.Store // optional; nil disables persistence at close
}

// AlreadyRunningError is returned by Admit when the requested run conflicts
// with one already in flight. Callers show the conflicting run's identity and
// elapsed time so the user can decide to wait.
type AlreadyRunningError struct {
	CurrentRunID       string
	Kind               types.RunKind
	Scope              string
	StartedAt          time.Time
	EstimatedRemaining time.Duration
}

func (e *AlreadyRunningError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("a %s run for scope %q is already running (run %s, started %s ago)",
			e.Kind, e.Scope, e.CurrentRunID, time.Since(e.StartedAt).Round(time.Second))
	}
	return fmt.Sprintf("a %s run is already running (run %s, started %s ago)",
		e.Kind, e.CurrentRunID, time.Since(e.StartedAt).Round(time.Second))
}

// runState is the registry's mutable view of one run. The embedded record's
// slices are only materialized on copy-out.
type runState struct {
	record     types.RunRecord
	running    map[string]types.RunningTest
	completed  map[string]types.CompletedTest
	totalFixed bool // total has been finalized by the worker's run-start report
}

// Registry manages active and recently-closed run records.
type Registry struct {
	cfg Config
	log zerolog.Logger

	mu        sync.RWMutex
	active    map[string]*runState
	closed    map[string]*runState
	bulkRunID string            // run ID of the single admissible bulk run, "" if none
	scopes    map[string]string // kind/scope key -> run ID, for non-bulk admission

	// now is a seam for tests.
	now func() time.Time
}

// NewRegistry creates a new registry instance.
func NewRegistry(cfg Config) *Registry {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	return &Registry{
		cfg:    cfg,
		log:    cfg.Log.With().Str("component", "registry").Logger(),
		active: make(map[string]*runState),
		closed: make(map[string]*runState),
		scopes: make(map[string]string),
		now:    time.Now,
	}
}

func scopeKey(kind types.RunKind, scope string) string {
	return string(kind) + "/" + scope
}

// Admit applies admission control and creates a run record on success.
// Only one bulk run may be active at any time. Group and single runs admit
// independently but are keyed by scope: a second request for an in-flight
// scope is rejected with the same error shape.
func (r *Registry) Admit(kind types.RunKind, scope string) (string, error) {
	if !kind.IsValid() {
		return "", fmt.Errorf("unknown run kind %q", kind)
	}
	if kind == types.RunKindBulk && scope != "" {
		return "", fmt.Errorf("bulk runs take no scope, got %q", scope)
	}
	if kind != types.RunKindBulk && scope == "" {
		return "", fmt.Errorf("%s runs require a scope", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked()

	if kind == types.RunKindBulk {
		if r.bulkRunID != "" {
			metrics.RecordAdmissionConflict(kind)
			return "", r.conflictLocked(r.bulkRunID)
		}
	} else {
		if current, ok := r.scopes[scopeKey(kind, scope)]; ok {
			metrics.RecordAdmissionConflict(kind)
			return "", r.conflictLocked(current)
		}
	}

	now := r.now()
	st := &runState{
		record: types.RunRecord{
			RunID:     uuid.New().String(),
			Kind:      kind,
			Scope:     scope,
			Status:    types.RunStatusRunning,
			StartedAt: now,
		},
		running:   make(map[string]types.RunningTest),
		completed: make(map[string]types.CompletedTest),
	}
	r.active[st.record.RunID] = st
	if kind == types.RunKindBulk {
		r.bulkRunID = st.record.RunID
	} else {
		r.scopes[scopeKey(kind, scope)] = st.record.RunID
	}

	metrics.RecordRunAdmitted(kind)
	r.log.Info().
		Str("run_id", st.record.RunID).
		Str("kind", string(kind)).
		Str("scope", scope).
		Msg("run admitted")
	r.publishLocked(types.Event{
		Type: types.EventRunAdmitted,
		Time: now,
		RunAdmitted: &types.RunAdmittedPayload{
			RunID:     st.record.RunID,
			Kind:      kind,
			Scope:     scope,
			StartedAt: now,
		},
	})
	return st.record.RunID, nil
}

// conflictLocked builds the structured admission error for the given run.
func (r *Registry) conflictLocked(runID string) *AlreadyRunningError {
	st := r.active[runID]
	if st == nil {
		// Slot bookkeeping referenced a run that is gone; should not happen.
		return &AlreadyRunningError{CurrentRunID: runID}
	}
	return &AlreadyRunningError{
		CurrentRunID:       st.record.RunID,
		Kind:               st.record.Kind,
		Scope:              st.record.Scope,
		StartedAt:          st.record.StartedAt,
		EstimatedRemaining: r.estimateRemainingLocked(st),
	}
}

// estimateRemainingLocked extrapolates linearly from completed tests.
// Advisory only; zero until the total is finalized and progress exists.
func (r *Registry) estimateRemainingLocked(st *runState) time.Duration {
	p := st.record.Progress
	if !st.totalFixed || p.Completed == 0 || p.Total <= p.Completed {
		return 0
	}
	elapsed := r.now().Sub(st.record.StartedAt)
	perTest := elapsed / time.Duration(p.Completed)
	return perTest * time.Duration(p.Total-p.Completed)
}

// StartRun records the worker's run-start report, finalizing the total test
// count. The total may only be refined once; later reports are no-ops.
// Returns false if the run is unknown or already closed.
func (r *Registry) StartRun(runID string, total int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked()

	st, ok := r.active[runID]
	if !ok {
		r.staleLocked("run_start", runID)
		return false
	}
	if st.totalFixed {
		r.log.Debug().Str("run_id", runID).Msg("duplicate run start report ignored")
		return true
	}
	st.record.Progress.Total = total
	st.totalFixed = true

	r.publishLocked(types.Event{
		Type: types.EventRunStarted,
		Time: r.now(),
		RunStarted: &types.RunStartedPayload{
			RunID: runID,
			Total: total,
		},
	})
	return true
}

// StartTest adds a test execution to the run's in-flight set and returns the
// updated progress. The second return is false when the callback was stale
// (unknown or closed run) or rejected; stale callbacks are normal under
// best-effort delivery and must be treated silently by callers.
func (r *Registry) StartTest(runID, testID, name, filePath string) (types.Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked()

	st, ok := r.active[runID]
	if !ok {
		r.staleLocked("test_start", runID)
		return types.Progress{}, false
	}
	if _, done := st.completed[testID]; done {
		// Start arriving after completion for the same test is a caller bug,
		// not a state to silently accept.
		r.log.Warn().
			Str("run_id", runID).
			Str("test_id", testID).
			Msg("rejecting test start for already-completed test")
		return types.Progress{}, false
	}
	if _, inFlight := st.running[testID]; inFlight {
		r.log.Debug().Str("run_id", runID).Str("test_id", testID).Msg("duplicate test start ignored")
		return st.record.Progress, true
	}

	now := r.now()
	rt := types.RunningTest{
		TestID:    testID,
		Name:      name,
		FilePath:  filePath,
		StartedAt: now,
	}
	st.running[testID] = rt

	metrics.RecordTestStarted()
	r.publishLocked(types.Event{
		Type: types.EventTestStarted,
		Time: now,
		TestStarted: &types.TestStartedPayload{
			RunID:    runID,
			Test:     rt,
			Progress: st.record.Progress,
		},
	})
	return st.record.Progress, true
}

// CompleteTest moves a test from the in-flight set to the completed counters.
// Duplicate completions and stale callbacks are no-ops; completion of a test
// that never started is rejected with a warning.
func (r *Registry) CompleteTest(runID, testID string, status types.TestStatus) bool {
	if !status.IsValid() {
		r.log.Warn().Str("run_id", runID).Str("test_id", testID).Str("status", string(status)).
			Msg("rejecting test completion with unknown status")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked()

	st, ok := r.active[runID]
	if !ok {
		r.staleLocked("test_end", runID)
		return false
	}
	if _, done := st.completed[testID]; done {
		r.log.Debug().Str("run_id", runID).Str("test_id", testID).Msg("duplicate test completion ignored")
		return true
	}
	rt, inFlight := st.running[testID]
	if !inFlight {
		r.log.Warn().
			Str("run_id", runID).
			Str("test_id", testID).
			Msg("rejecting completion for test that never started")
		return false
	}

	now := r.now()
	delete(st.running, testID)
	st.completed[testID] = types.CompletedTest{
		TestID:   testID,
		Name:     rt.Name,
		FilePath: rt.FilePath,
		Status:   status,
		Duration: now.Sub(rt.StartedAt),
	}

	p := &st.record.Progress
	p.Completed++
	if st.totalFixed && p.Completed > p.Total {
		// The worker reported more distinct tests than its own run-start
		// count. The counters stay truthful; the discrepancy is the worker's.
		r.log.Warn().
			Str("run_id", runID).
			Str("test_id", testID).
			Int("completed", p.Completed).
			Int("total", p.Total).
			Msg("completed count exceeds the total reported at run start")
	}
	switch status {
	case types.TestStatusPass:
		p.Passed++
	case types.TestStatusFail:
		p.Failed++
	case types.TestStatusSkip:
		p.Skipped++
	}

	metrics.RecordTestCompleted(status)
	r.publishLocked(types.Event{
		Type: types.EventTestCompleted,
		Time: now,
		TestCompleted: &types.TestCompletedPayload{
			RunID:    runID,
			TestID:   testID,
			Status:   status,
			Progress: st.record.Progress,
		},
	})
	return true
}

// Close marks the run resolved and releases its admission slot. The record
// remains queryable for the grace window to tolerate late stragglers. The
// completed run is handed to the store outside the registry lock; store
// failures are logged and counted, never surfaced to the closer.
func (r *Registry) Close(runID string, status types.RunStatus, reason string) bool {
	if status != types.RunStatusCompleted && status != types.RunStatusFailed {
		r.log.Warn().Str("run_id", runID).Str("status", string(status)).
			Msg("rejecting close with non-terminal status")
		return false
	}

	r.mu.Lock()
	st, ok := r.active[runID]
	if !ok {
		r.staleLocked("run_end", runID)
		r.mu.Unlock()
		return false
	}

	now := r.now()
	st.record.Status = status
	st.record.ClosedAt = now
	st.record.Reason = reason

	// In-flight tests are abandoned on close; count them as failed so the
	// completed/running disjointness invariant holds for the final record.
	if len(st.running) > 0 {
		r.log.Warn().
			Str("run_id", runID).
			Int("abandoned", len(st.running)).
			Msg("run closed with tests still in flight")
		for id, rt := range st.running {
			st.completed[id] = types.CompletedTest{
				TestID:   id,
				Name:     rt.Name,
				FilePath: rt.FilePath,
				Status:   types.TestStatusFail,
				Duration: now.Sub(rt.StartedAt),
			}
			st.record.Progress.Completed++
			st.record.Progress.Failed++
			metrics.RecordTestCompleted(types.TestStatusFail)
		}
		st.running = make(map[string]types.RunningTest)
	}

	delete(r.active, runID)
	r.closed[runID] = st
	if st.record.Kind == types.RunKindBulk {
		if r.bulkRunID == runID {
			r.bulkRunID = ""
		}
	} else if r.scopes[scopeKey(st.record.Kind, st.record.Scope)] == runID {
		delete(r.scopes, scopeKey(st.record.Kind, st.record.Scope))
	}

	record := copyRecord(st)
	metrics.RecordRunClosed(record.Kind, status, record.Elapsed(now))
	r.log.Info().
		Str("run_id", runID).
		Str("status", string(status)).
		Int("completed", record.Progress.Completed).
		Int("failed", record.Progress.Failed).
		Msg("run closed")
	r.publishLocked(types.Event{
		Type: types.EventRunClosed,
		Time: now,
		RunClosed: &types.RunClosedPayload{
			RunID:    runID,
			Status:   status,
			Progress: record.Progress,
			Reason:   reason,
		},
	})
	r.mu.Unlock()

	r.persist(record)
	return true
}

// persist hands the closed run to the configured store, if any.
func (r *Registry) persist(record types.RunRecord) {
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.SaveCompletedRun(record); err != nil {
		metrics.RecordErrorDetails("store_save_run", err)
		r.log.Error().Err(err).Str("run_id", record.RunID).Msg("failed to persist completed run")
	}
	for _, ct := range record.CompletedTests {
		if err := r.cfg.Store.SaveTestResult(record.RunID, ct); err != nil {
			metrics.RecordErrorDetails("store_save_test", err)
			r.log.Error().Err(err).
				Str("run_id", record.RunID).
				Str("test_id", ct.TestID).
				Msg("failed to persist test result")
		}
	}
}

// IsRunning reports whether the run is still active.
func (r *Registry) IsRunning(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[runID]
	return ok
}

// GetRun returns a copy of the run record, including recently-closed runs
// still inside the grace window.
func (r *Registry) GetRun(runID string) (types.RunRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.active[runID]; ok {
		return copyRecord(st), true
	}
	if st, ok := r.closed[runID]; ok {
		return copyRecord(st), true
	}
	return types.RunRecord{}, false
}

// Snapshot returns a full, consistent point-in-time view of all active runs.
func (r *Registry) Snapshot() types.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := types.Snapshot{
		ActiveRuns: make([]types.RunRecord, 0, len(r.active)),
		TakenAt:    r.now(),
	}
	for _, st := range r.active {
		snap.ActiveRuns = append(snap.ActiveRuns, copyRecord(st))
	}
	types.SortRuns(snap.ActiveRuns)
	snap.IsAnyRunning = len(snap.ActiveRuns) > 0
	return snap
}

// ForceReset discards all in-memory run state unconditionally. It is an
// administrative escape hatch for when the supervisor has lost track of a
// subprocess, not a normal transition, and is always logged with before and
// after snapshots for audit. It does not terminate any OS-level process.
func (r *Registry) ForceReset() types.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := make([]types.RunRecord, 0, len(r.active))
	discardedByKind := make(map[types.RunKind]int)
	runningCount := 0
	for _, st := range r.active {
		before = append(before, copyRecord(st))
		discardedByKind[st.record.Kind]++
		runningCount += len(st.running)
	}
	types.SortRuns(before)

	r.log.Info().
		Int("discarded_runs", len(before)).
		Int("in_flight_tests", runningCount).
		Interface("before", before).
		Msg("force reset: discarding all run state")

	r.active = make(map[string]*runState)
	r.closed = make(map[string]*runState)
	r.scopes = make(map[string]string)
	r.bulkRunID = ""

	metrics.RecordForceReset(discardedByKind, runningCount)
	now := r.now()
	r.publishLocked(types.Event{
		Type: types.EventForceReset,
		Time: now,
		ForceReset: &types.ForceResetPayload{
			DiscardedRuns: len(before),
		},
	})

	after := types.Snapshot{ActiveRuns: []types.RunRecord{}, TakenAt: now}
	r.log.Info().Interface("after", after).Msg("force reset complete")
	return after
}

// staleLocked logs and counts a callback for a run the registry no longer
// tracks. Such callbacks are a normal consequence of best-effort delivery.
func (r *Registry) staleLocked(op, runID string) {
	metrics.RecordStaleCallback(op)
	r.log.Debug().Str("run_id", runID).Str("op", op).Msg("callback for unknown or closed run ignored")
}

// evictExpiredLocked drops closed runs that outlived the grace window.
func (r *Registry) evictExpiredLocked() {
	if len(r.closed) == 0 {
		return
	}
	cutoff := r.now().Add(-r.cfg.GraceWindow)
	for id, st := range r.closed {
		if st.record.ClosedAt.Before(cutoff) {
			delete(r.closed, id)
		}
	}
}

func (r *Registry) publishLocked(ev types.Event) {
	if r.cfg.Publisher == nil {
		return
	}
	r.cfg.Publisher.Publish(ev)
}

// copyRecord materializes an owned RunRecord from internal state.
func copyRecord(st *runState) types.RunRecord {
	rec := st.record
	rec.RunningTests = make([]types.RunningTest, 0, len(st.running))
	for _, rt := range st.running {
		rec.RunningTests = append(rec.RunningTests, rt)
	}
	sort.Slice(rec.RunningTests, func(i, j int) bool {
		return rec.RunningTests[i].TestID < rec.RunningTests[j].TestID
	})
	rec.CompletedTests = make([]types.CompletedTest, 0, len(st.completed))
	for _, ct := range st.completed {
		rec.CompletedTests = append(rec.CompletedTests, ct)
	}
	sort.Slice(rec.CompletedTests, func(i, j int) bool {
		return rec.CompletedTests[i].TestID < rec.CompletedTests[j].TestID
	})
	return rec
}
