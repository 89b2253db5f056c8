// Package style holds foreman's terminal styling. Colors are adaptive so
// output stays readable on both light and dark terminals.
package style

import "github.com/charmbracelet/lipgloss"

var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Faint(true)

	Pass = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "42"})
	Fail = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "160", Dark: "203"})
	Warn = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "130", Dark: "214"})

	Header = lipgloss.NewStyle().Bold(true).Underline(true)
)

// Status renders a pass/fail marker for report and status output.
func Status(ok bool) string {
	if ok {
		return Pass.Render("✓ pass")
	}
	return Fail.Render("✗ fail")
}
