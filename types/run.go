package types

import (
	"sort"
	"time"
)

// RunKind identifies the shape of an admitted run batch.
type RunKind string

const (
	// RunKindBulk covers the entire test suite. At most one bulk run may be
	// active at a time.
	RunKindBulk RunKind = "bulk"
	// RunKindGroup covers a single file or logical group of tests.
	RunKindGroup RunKind = "group"
	// RunKindSingle re-executes exactly one previously-known test.
	RunKindSingle RunKind = "single"
)

// IsValid reports whether k is a known run kind.
func (k RunKind) IsValid() bool {
	switch k {
	case RunKindBulk, RunKindGroup, RunKindSingle:
		return true
	}
	return false
}

// RunStatus represents the terminal state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// TestStatus represents the outcome of a single test execution.
type TestStatus string

const (
	TestStatusPass TestStatus = "pass"
	TestStatusFail TestStatus = "fail"
	TestStatusSkip TestStatus = "skip"
)

// IsValid reports whether s is a known test status.
func (s TestStatus) IsValid() bool {
	switch s {
	case TestStatusPass, TestStatusFail, TestStatusSkip:
		return true
	}
	return false
}

// Progress tracks per-run test counters. All counters are monotonically
// non-decreasing except Total, which may be refined once after discovery.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RunningTest is a test execution currently in flight within a run.
type RunningTest struct {
	TestID    string    `json:"testId"`
	Name      string    `json:"name"`
	FilePath  string    `json:"filePath"`
	StartedAt time.Time `json:"startedAt"`
}

// CompletedTest is a finished test execution retained on the run record
// until the record is evicted.
type CompletedTest struct {
	TestID   string        `json:"testId"`
	Name     string        `json:"name"`
	FilePath string        `json:"filePath"`
	Status   TestStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
}

// RunRecord is one admitted execution batch. The registry is its sole owner;
// callers always receive copies.
type RunRecord struct {
	RunID     string    `json:"runId"`
	Kind      RunKind   `json:"kind"`
	Scope     string    `json:"scope,omitempty"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	ClosedAt  time.Time `json:"closedAt,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Progress  Progress  `json:"progress"`

	RunningTests   []RunningTest   `json:"runningTests"`
	CompletedTests []CompletedTest `json:"completedTests,omitempty"`
}

// Elapsed returns how long the run has been (or was) active.
func (r *RunRecord) Elapsed(now time.Time) time.Duration {
	if r.Status != RunStatusRunning && !r.ClosedAt.IsZero() {
		return r.ClosedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// Snapshot is a complete, consistent point-in-time view of all active runs.
// A freshly subscribing viewer replaces its local state with this wholesale.
type Snapshot struct {
	ActiveRuns   []RunRecord `json:"activeRuns"`
	IsAnyRunning bool        `json:"isAnyRunning"`
	TakenAt      time.Time   `json:"takenAt"`
}

// SortRuns orders run records by start time, then run ID, so snapshots are
// deterministic for a given registry state.
func SortRuns(runs []RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}
		return runs[i].RunID < runs[j].RunID
	})
}
