// Package tmux wraps the tmux operations foreman needs via subprocess:
// checking agent sessions, capturing pane output, and delivering messages.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Common errors
var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionNotFound = errors.New("session not found")
)

// pasteDebounce is the wait between pasting message text and sending Enter.
// Sending them together races the pane's input handling and drops Enters.
const pasteDebounce = 500 * time.Millisecond

// enterRetries bounds the separate Enter sends when submitting a message.
const enterRetries = 3

// Tmux wraps tmux operations.
type Tmux struct{}

// NewTmux creates a new Tmux wrapper.
func NewTmux() *Tmux {
	return &Tmux{}
}

// run executes a tmux command and returns stdout.
func (t *Tmux) run(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", t.wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// wrapError maps tmux stderr text onto sentinel errors where recognizable.
func (t *Tmux) wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// IsAvailable checks if tmux is installed and can be invoked.
func (t *Tmux) IsAvailable() bool {
	return exec.Command("tmux", "-V").Run() == nil
}

// HasSession checks if a session exists (exact match).
// The "=" prefix prevents prefix matches against similarly named sessions.
func (t *Tmux) HasSession(name string) (bool, error) {
	_, err := t.run("has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CapturePaneAll captures the session's full scrollback history.
func (t *Tmux) CapturePaneAll(session string) (string, error) {
	return t.run("capture-pane", "-p", "-t", session, "-S", "-")
}

// SendMessage delivers a message to an agent session reliably:
// literal-mode paste, a debounce for the paste to land, then Enter sent
// separately with bounded retry. Submission via a combined send-keys call
// silently fails often enough that this sequence is required.
func (t *Tmux) SendMessage(session, message string) error {
	if _, err := t.run("send-keys", "-t", session, "-l", message); err != nil {
		return err
	}

	time.Sleep(pasteDebounce)

	var lastErr error
	for attempt := 0; attempt < enterRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(200 * time.Millisecond)
		}
		if _, err := t.run("send-keys", "-t", session, "Enter"); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to send Enter after %d attempts: %w", enterRetries, lastErr)
}
