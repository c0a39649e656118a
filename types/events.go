package types

import "time"

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventRunAdmitted   EventType = "run_admitted"
	EventRunStarted    EventType = "run_started"
	EventTestStarted   EventType = "test_started"
	EventTestCompleted EventType = "test_completed"
	EventRunClosed     EventType = "run_closed"
	EventForceReset    EventType = "force_reset"
	EventSnapshot      EventType = "snapshot"
)

// Event is the tagged union pushed to every subscriber on registry mutations.
// Exactly one payload field is set, matching Type.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`

	RunAdmitted   *RunAdmittedPayload   `json:"runAdmitted,omitempty"`
	RunStarted    *RunStartedPayload    `json:"runStarted,omitempty"`
	TestStarted   *TestStartedPayload   `json:"testStarted,omitempty"`
	TestCompleted *TestCompletedPayload `json:"testCompleted,omitempty"`
	RunClosed     *RunClosedPayload     `json:"runClosed,omitempty"`
	ForceReset    *ForceResetPayload    `json:"forceReset,omitempty"`
	Snapshot      *Snapshot             `json:"snapshot,omitempty"`
}

// RunAdmittedPayload announces a newly admitted run.
type RunAdmittedPayload struct {
	RunID     string    `json:"runId"`
	Kind      RunKind   `json:"kind"`
	Scope     string    `json:"scope,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// RunStartedPayload announces that the worker reported in and the total test
// count is known.
type RunStartedPayload struct {
	RunID string `json:"runId"`
	Total int    `json:"total"`
}

// TestStartedPayload announces a test entering flight.
type TestStartedPayload struct {
	RunID    string      `json:"runId"`
	Test     RunningTest `json:"test"`
	Progress Progress    `json:"progress"`
}

// TestCompletedPayload announces a test leaving flight.
type TestCompletedPayload struct {
	RunID    string     `json:"runId"`
	TestID   string     `json:"testId"`
	Status   TestStatus `json:"status"`
	Progress Progress   `json:"progress"`
}

// RunClosedPayload announces a run reaching a terminal state.
type RunClosedPayload struct {
	RunID    string    `json:"runId"`
	Status   RunStatus `json:"status"`
	Progress Progress  `json:"progress"`
	Reason   string    `json:"reason,omitempty"`
}

// ForceResetPayload announces that all run state was discarded.
type ForceResetPayload struct {
	DiscardedRuns int `json:"discardedRuns"`
}
