package loop

import (
	"fmt"
	"strings"

	"github.com/foremanhq/foreman/internal/task"
)

// AnalystPrompt formats the unresolved task batch for the analyst. The
// verdict format it requests is the one reconciliation parses; keyword is
// the completion signal the monitor waits for.
func AnalystPrompt(tasks []task.Task, keyword string) string {
	var sb strings.Builder
	sb.WriteString("Investigate the following failing tasks and report on each.\n\n")
	for _, t := range tasks {
		fmt.Fprintf(&sb, "- %s: %s\n", t.ID, t.Title)
		if t.Detail != "" {
			fmt.Fprintf(&sb, "  %s\n", t.Detail)
		}
	}
	sb.WriteString("\nFor every task above, end your analysis with one verdict line:\n")
	sb.WriteString("RESOLVED: <task-id> or STILL FAILING: <task-id>\n")
	// The keyword is quoted so the prompt's own echo in the pane is
	// rejected by the noise filter rather than detected.
	fmt.Fprintf(&sb, "Then print %q on its own line.\n", keyword)
	return sb.String()
}

// WorkerPrompt wraps the analyst's findings for the worker.
func WorkerPrompt(analysis, keyword string) string {
	var sb strings.Builder
	sb.WriteString("Apply fixes for the findings below, deploy, and verify.\n\n")
	sb.WriteString(strings.TrimSpace(analysis))
	fmt.Fprintf(&sb, "\n\nWhen done, print %q on its own line.\n", keyword)
	return sb.String()
}
