package loop

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foremanhq/foreman/internal/sendlock"
	"github.com/foremanhq/foreman/internal/style"
	"github.com/foremanhq/foreman/internal/task"
)

// ReportFileName is the report's file name under the state directory.
const ReportFileName = "last_run.json"

// Report is the final record of one run. Persisted as JSON so `fm status`
// and `fm lock metrics` can read it back.
type Report struct {
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Outcome    Outcome           `json:"outcome"`
	Iterations int               `json:"iterations"`
	Unresolved []task.Task       `json:"unresolved,omitempty"`
	Results    []IterationResult `json:"results,omitempty"`
	Lock       sendlock.Metrics  `json:"lock"`
}

func newReport(start time.Time) *Report {
	return &Report{RunID: uuid.New().String(), StartedAt: start}
}

// Save writes the report atomically into stateDir.
func (r *Report) Save(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	path := filepath.Join(stateDir, ReportFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing report: %w", err)
	}
	return nil
}

// LoadReport reads the persisted report from stateDir.
func LoadReport(stateDir string) (*Report, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, ReportFileName))
	if err != nil {
		return nil, fmt.Errorf("reading run report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing run report: %w", err)
	}
	return &r, nil
}

// outcomeStyle picks the color for the outcome banner.
func outcomeStyle(o Outcome) func(...string) string {
	switch o {
	case OutcomeAllTasksPassed:
		return style.Pass.Render
	case OutcomeStoppedEarly:
		return style.Warn.Render
	default:
		return style.Fail.Render
	}
}

// Render formats the report for the terminal.
func (r *Report) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s  %s\n", style.Header.Render("Run"), style.Dim.Render(r.RunID))
	fmt.Fprintf(&sb, "  outcome:    %s\n", outcomeStyle(r.Outcome)(string(r.Outcome)))
	fmt.Fprintf(&sb, "  iterations: %d\n", r.Iterations)
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(&sb, "  duration:   %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	}

	if len(r.Unresolved) > 0 {
		sb.WriteString("\n" + style.Header.Render("Unresolved") + "\n")
		tbl := style.NewTable(
			style.Column{Name: "TASK"},
			style.Column{Name: "TITLE"},
			style.Column{Name: "STATUS"},
		)
		for _, t := range r.Unresolved {
			tbl.AddRow(t.ID, t.Title, style.Status(t.Status == task.StatusPass))
		}
		sb.WriteString(tbl.Render())
	}

	if failures := r.failures(); len(failures) > 0 {
		sb.WriteString("\n" + style.Header.Render("Failures") + "\n")
		for _, res := range failures {
			fmt.Fprintf(&sb, "  iteration %d: %s%s\n", res.Attempt, res.Failure, errSuffix(res.Err))
		}
	}

	sb.WriteString("\n" + r.renderLock())
	return sb.String()
}

// RenderLock formats just the send-lock metrics, for `fm lock metrics`.
func (r *Report) RenderLock() string {
	return r.renderLock()
}

func (r *Report) renderLock() string {
	var sb strings.Builder
	sb.WriteString(style.Header.Render("Send lock") + "\n")
	tbl := style.NewTable(style.Column{Name: "COUNTER"}, style.Column{Name: "VALUE", Width: 5})
	tbl.AddRow("acquisitions", fmt.Sprintf("%d", r.Lock.Acquisitions))
	tbl.AddRow("releases", fmt.Sprintf("%d", r.Lock.Releases))
	tbl.AddRow("blocked attempts", fmt.Sprintf("%d", r.Lock.BlockedAttempts))
	tbl.AddRow("cooldown rejections", fmt.Sprintf("%d", r.Lock.CooldownRejections))
	tbl.AddRow("forced releases", fmt.Sprintf("%d", r.Lock.ForcedReleases))
	tbl.AddRow("efficiency", fmt.Sprintf("%.2f", r.Lock.Efficiency))
	sb.WriteString(tbl.Render())
	return sb.String()
}

func (r *Report) failures() []IterationResult {
	var out []IterationResult
	for _, res := range r.Results {
		if res.Failure != "" {
			out = append(out, res)
		}
	}
	return out
}
