package dispatch

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/testforge/dispatch/types"
)

func TestPrintRunResults(t *testing.T) {
	run := types.RunRecord{
		RunID:     "run-1",
		Kind:      types.RunKindBulk,
		Status:    types.RunStatusCompleted,
		StartedAt: time.Now().Add(-time.Minute),
		ClosedAt:  time.Now(),
		Progress:  types.Progress{Total: 2, Completed: 2, Passed: 1, Failed: 1},
		CompletedTests: []types.CompletedTest{
			{TestID: "abc1234", Name: "adds numbers", FilePath: "math.spec.ts", Status: types.TestStatusPass, Duration: 120 * time.Millisecond},
			{TestID: "def5678", Name: "divides by zero", FilePath: "math.spec.ts", Status: types.TestStatusFail, Duration: 80 * time.Millisecond},
		},
	}

	var buf bytes.Buffer
	PrintRunResults(&buf, run)
	out := buf.String()

	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "adds numbers")
	assert.Contains(t, out, "✓ pass")
	assert.Contains(t, out, "✗ fail")
	assert.Contains(t, out, "1 passed / 1 failed / 0 skipped")
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "✓ pass", statusString(types.TestStatusPass))
	assert.Equal(t, "- skip", statusString(types.TestStatusSkip))
	assert.Equal(t, "✗ fail", statusString(types.TestStatusFail))
}
