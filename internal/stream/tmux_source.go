package stream

import (
	"fmt"
	"os"
	"sync"
)

// PaneCapturer is the subset of the tmux client the source reads through.
type PaneCapturer interface {
	CapturePaneAll(session string) (string, error)
	HasSession(session string) (bool, error)
}

// TmuxSource reads newly appended output from a tmux session by capturing
// the full scrollback and slicing past a consumed offset.
type TmuxSource struct {
	t       PaneCapturer
	session string

	mu       sync.Mutex
	consumed int
}

// NewTmuxSource creates a source over the named tmux session.
func NewTmuxSource(t PaneCapturer, session string) *TmuxSource {
	return &TmuxSource{t: t, session: session}
}

// ReadNew captures the pane scrollback and returns the suffix past the
// previously consumed offset. If the capture is shorter than what was
// already consumed, the scrollback was cleared or the pane respawned; the
// offset resets so polling recovers instead of stalling forever. The reset
// can momentarily resurface old text — the monitor's detection cooldown
// exists to absorb exactly that.
func (s *TmuxSource) ReadNew() (string, error) {
	out, err := s.t.CapturePaneAll(s.session)
	if err != nil {
		return "", fmt.Errorf("capturing pane %s: %w", s.session, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(out) < s.consumed {
		fmt.Fprintf(os.Stderr, "Warning: scrollback for %s shrank (%d < %d), resetting offset\n",
			s.session, len(out), s.consumed)
		s.consumed = 0
	}

	delta := out[s.consumed:]
	s.consumed = len(out)
	return delta, nil
}

// Accessible reports whether the tmux session currently exists.
func (s *TmuxSource) Accessible() bool {
	ok, err := s.t.HasSession(s.session)
	return err == nil && ok
}
