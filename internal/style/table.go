package style

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Column defines one table column. Width is a minimum; columns grow to fit
// their widest cell.
type Column struct {
	Name  string
	Width int
}

// Table renders aligned rows for status and report output.
type Table struct {
	columns []Column
	rows    [][]string
	indent  string
}

// NewTable creates a table with the given columns.
func NewTable(columns ...Column) *Table {
	return &Table{columns: columns, indent: "  "}
}

// AddRow appends one row. Short rows are padded with empty cells.
func (t *Table) AddRow(values ...string) *Table {
	for len(values) < len(t.columns) {
		values = append(values, "")
	}
	t.rows = append(t.rows, values)
	return t
}

// Render returns the formatted table, header first.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}

	widths := make([]int, len(t.columns))
	for i, col := range t.columns {
		widths[i] = max(col.Width, lipgloss.Width(col.Name))
	}
	for _, row := range t.rows {
		for i := range t.columns {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(t.indent)
	for i, col := range t.columns {
		sb.WriteString(pad(Bold.Render(col.Name), col.Name, widths[i]))
		if i < len(t.columns)-1 {
			sb.WriteString("  ")
		}
	}
	sb.WriteString("\n")

	for _, row := range t.rows {
		sb.WriteString(t.indent)
		for i := range t.columns {
			sb.WriteString(pad(row[i], row[i], widths[i]))
			if i < len(t.columns)-1 {
				sb.WriteString("  ")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// pad right-pads styled to width, measured on its unstyled visible width.
func pad(styled, visible string, width int) string {
	gap := width - lipgloss.Width(visible)
	if gap <= 0 {
		return styled
	}
	return styled + strings.Repeat(" ", gap)
}
