package task

import (
	"errors"
	"strings"
)

// ErrAmbiguous means an analyst response carried no parseable resolution
// signal for any tracked task. Statuses are left untouched — a task is
// never guessed resolved.
var ErrAmbiguous = errors.New("no resolution signals in analyst response")

// Signal markers the analyst emits, one per line, case-insensitive:
//
//	RESOLVED: <task-id>
//	STILL FAILING: <task-id>
const (
	markerResolved     = "resolved:"
	markerStillFailing = "still failing:"
)

// Signal is one parsed per-task verdict.
type Signal struct {
	TaskID   string
	Resolved bool
}

// ParseSignals extracts per-task resolution signals from an analyst
// response. Only signals naming a task in known are returned; anything else
// on a line is ignored. A "still failing" verdict is a real signal — it
// confirms the analyst looked — even though it changes nothing.
func ParseSignals(text string, known map[string]bool) []Signal {
	var signals []Signal
	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)

		var marker string
		var resolved bool
		if i := findMarker(lower, markerResolved); i >= 0 {
			marker, resolved = lower[i:], true
		}
		if i := findMarker(lower, markerStillFailing); i >= 0 {
			marker, resolved = lower[i:], false
		}
		if marker == "" {
			continue
		}

		id := strings.TrimSpace(marker[strings.Index(marker, ":")+1:])
		// The id is the first whitespace-delimited token after the marker.
		if j := strings.IndexAny(id, " \t"); j >= 0 {
			id = id[:j]
		}
		id = strings.Trim(id, ".,;")
		if id == "" {
			continue
		}

		// The line was lowercased only to locate the marker; ids match the
		// tracked set case-insensitively and report the tracked spelling.
		for candidate := range known {
			if strings.EqualFold(candidate, id) {
				signals = append(signals, Signal{TaskID: candidate, Resolved: resolved})
				break
			}
		}
	}
	return signals
}

// findMarker locates marker in line requiring a word boundary before it,
// so "UNRESOLVED: x" is not read as a resolved signal.
func findMarker(line, marker string) int {
	from := 0
	for {
		i := strings.Index(line[from:], marker)
		if i < 0 {
			return -1
		}
		i += from
		if i == 0 || !isLetter(line[i-1]) {
			return i
		}
		from = i + 1
	}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Reconcile applies an analyst response to the store: tasks with an explicit
// resolved signal flip to pass, everything else is untouched. Returns the
// resolved ids, or ErrAmbiguous when the response carried no signal at all.
func Reconcile(s Store, response string) ([]string, error) {
	known := make(map[string]bool)
	for _, t := range s.ListUnresolved() {
		known[t.ID] = true
	}

	signals := ParseSignals(response, known)
	if len(signals) == 0 {
		return nil, ErrAmbiguous
	}

	var resolved []string
	for _, sig := range signals {
		if !sig.Resolved {
			continue
		}
		if err := s.MarkResolved(sig.TaskID); err != nil {
			return resolved, err
		}
		resolved = append(resolved, sig.TaskID)
	}
	return resolved, nil
}
