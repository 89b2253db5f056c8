package stream

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// FileSource tails a growing file by byte offset. Used for piped captures
// (tmux pipe-pane, script logs) and as the deterministic source in tests.
type FileSource struct {
	path string

	mu     sync.Mutex
	offset int64
}

// NewFileSource creates a source over the file at path. The file does not
// need to exist yet; reads before creation return nothing.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// ReadNew returns bytes appended since the previous call. A file shorter
// than the current offset means it was truncated and rewritten; the offset
// resets to re-read from the start.
func (s *FileSource) ReadNew() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("opening capture file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat capture file: %w", err)
	}
	if info.Size() < s.offset {
		s.offset = 0
	}

	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return "", fmt.Errorf("seeking capture file: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("reading capture file: %w", err)
	}
	s.offset += int64(len(data))
	return string(data), nil
}

// Accessible reports whether the capture file exists.
func (s *FileSource) Accessible() bool {
	_, err := os.Stat(s.path)
	return err == nil
}
