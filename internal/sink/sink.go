// Package sink abstracts message delivery to the analyst and worker agents.
// The controller talks to a Sink; the transport-specific details (tmux paste
// discipline today, anything else tomorrow) stay behind it.
package sink

import "github.com/foremanhq/foreman/internal/tmux"

// Sink delivers one payload to an agent.
type Sink interface {
	Send(payload string) error
}

// TmuxSink delivers payloads to an agent's tmux session.
type TmuxSink struct {
	t       *tmux.Tmux
	session string
}

// NewTmuxSink creates a sink targeting the named tmux session.
func NewTmuxSink(t *tmux.Tmux, session string) *TmuxSink {
	return &TmuxSink{t: t, session: session}
}

func (s *TmuxSink) Send(payload string) error {
	return s.t.SendMessage(s.session, payload)
}
