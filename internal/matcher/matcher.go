// Package matcher decides whether a keyword occurrence in captured terminal
// output is a genuine completion signal or noise.
//
// The heuristics are inherently approximate: quoted text, comments, and
// echoed prompts all legitimately contain the keyword without meaning it.
// False negatives are preferred over false positives — a missed detection
// merely delays the loop, a false one advances the protocol prematurely.
// The Validator interface keeps the heuristics swappable without touching
// the monitor state machine.
package matcher

import "strings"

// Match describes one keyword occurrence for validation.
type Match struct {
	Keyword    string
	Line       string // full line containing the occurrence
	LineOffset int    // byte offset of the occurrence within Line
	Context    string // bounded window of surrounding stream text
}

// Validator reports whether a keyword occurrence should be accepted.
type Validator interface {
	IsValidMatch(m Match) bool
}

// AcceptAll accepts every occurrence. Useful in tests and for keywords
// chosen to be collision-proof.
type AcceptAll struct{}

func (AcceptAll) IsValidMatch(Match) bool { return true }

// NoiseFilter is the default Validator. It rejects occurrences that are
// quoted, commented, or sitting on a line that looks like echoed user input.
type NoiseFilter struct {
	// CommentMarkers reject an occurrence when one appears earlier on the
	// same line. Defaults: "//", "#".
	CommentMarkers []string
	// EchoMarkers reject the whole line when it starts with one of them.
	// These indicate the terminal repeating user input back rather than the
	// agent freshly emitting text. Defaults: ">", "$".
	EchoMarkers []string
}

// NewNoiseFilter returns a NoiseFilter with the default marker sets.
func NewNoiseFilter() *NoiseFilter {
	return &NoiseFilter{
		CommentMarkers: []string{"//", "#"},
		EchoMarkers:    []string{">", "$"},
	}
}

// IsValidMatch applies the noise heuristics to one occurrence.
func (f *NoiseFilter) IsValidMatch(m Match) bool {
	if m.LineOffset < 0 || m.LineOffset > len(m.Line) {
		return false
	}
	before := m.Line[:m.LineOffset]

	if quotedAt(before) {
		return false
	}
	for _, marker := range f.CommentMarkers {
		if marker != "" && strings.Contains(before, marker) {
			return false
		}
	}
	trimmed := strings.TrimLeft(m.Line, " \t")
	for _, marker := range f.EchoMarkers {
		if marker != "" && strings.HasPrefix(trimmed, marker) {
			return false
		}
	}
	return true
}

// quotedAt reports whether text ending at the match position leaves an
// unclosed single, double, or backtick quote — meaning the occurrence sits
// inside a quoted string on its line.
func quotedAt(before string) bool {
	var inSingle, inDouble, inBacktick bool
	escaped := false
	for _, r := range before {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '\'':
			if !inDouble && !inBacktick {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle && !inBacktick {
				inDouble = !inDouble
			}
		case '`':
			if !inSingle && !inDouble {
				inBacktick = !inBacktick
			}
		}
	}
	return inSingle || inDouble || inBacktick
}
