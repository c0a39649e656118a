package dispatch

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/testforge/dispatch/types"
)

// PrintRunResults renders a closed run as a console table. Used in run-once
// mode after the supervised worker exits.
func PrintRunResults(w io.Writer, run types.RunRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Run Results (%s, %s)", run.RunID, formatDuration(run.Elapsed(time.Now()))))

	t.AppendHeader(table.Row{"ID", "Test", "File", "Status", "Duration"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Test", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "File", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
	})

	for _, test := range run.CompletedTests {
		t.AppendRow(table.Row{
			test.TestID,
			test.Name,
			test.FilePath,
			statusString(test.Status),
			formatDuration(test.Duration),
		})
	}

	t.AppendFooter(table.Row{
		"", "",
		fmt.Sprintf("%d tests", run.Progress.Total),
		fmt.Sprintf("%d passed / %d failed / %d skipped",
			run.Progress.Passed, run.Progress.Failed, run.Progress.Skipped),
		string(run.Status),
	})
	t.Render()
}

// statusString returns a short marker for a test outcome.
func statusString(status types.TestStatus) string {
	switch status {
	case types.TestStatusPass:
		return "✓ pass"
	case types.TestStatusSkip:
		return "- skip"
	default:
		return "✗ fail"
	}
}

// formatDuration truncates to milliseconds for display.
func formatDuration(d time.Duration) string {
	return d.Truncate(time.Millisecond).String()
}
