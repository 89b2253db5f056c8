// Package runlock serializes foreman runs against the same state directory.
// Two controllers driving the same analyst/worker pair would interleave
// sends and corrupt the iteration state, so the second invocation is
// rejected up front.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked means another foreman process already holds the run lock.
var ErrLocked = errors.New("another foreman run is active for this state directory")

const lockFileName = "run.lock"

// Acquire takes an exclusive advisory lock under stateDir, creating the
// directory if needed. Returns a release function. Acquisition does not
// block: a held lock fails immediately with ErrLocked.
func Acquire(stateDir string) (func(), error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	fl := flock.New(filepath.Join(stateDir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}
	return func() { _ = fl.Unlock() }, nil
}
