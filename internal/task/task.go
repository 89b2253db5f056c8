// Package task tracks the failing tasks foreman is driving to resolution
// and reconciles their statuses from analyst responses.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Status is a task's resolution state. A task is fail until the analyst
// explicitly confirms it resolved; absence of a signal never flips it.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// Task is one tracked failure.
type Task struct {
	ID     string `toml:"id" json:"id"`
	Title  string `toml:"title" json:"title"`
	Detail string `toml:"detail" json:"detail,omitempty"`
	Status Status `toml:"-" json:"status"`
}

// Store is the task-state collaborator the controller depends on.
type Store interface {
	ListUnresolved() []Task
	MarkResolved(id string) error
	Persist() error
}

// definitionFile is the TOML shape of a task definition file.
type definitionFile struct {
	Tasks []Task `toml:"task"`
}

// stateFile is the JSON shape of the persisted status overlay.
type stateFile struct {
	UpdatedAt time.Time         `json:"updated_at"`
	Statuses  map[string]Status `json:"statuses"`
}

// FileStore loads task definitions from a TOML file and persists statuses to
// a JSON state file beside it. Safe for concurrent use.
type FileStore struct {
	mu        sync.Mutex
	statePath string
	tasks     []Task
	index     map[string]int
}

// statePathFor derives the status overlay path from the definition path.
func statePathFor(defPath string) string {
	base := strings.TrimSuffix(filepath.Base(defPath), filepath.Ext(defPath))
	return filepath.Join(filepath.Dir(defPath), "."+base+".state.json")
}

// LoadFile reads task definitions from defPath and overlays any previously
// persisted statuses. Tasks default to fail.
func LoadFile(defPath string) (*FileStore, error) {
	var def definitionFile
	if _, err := toml.DecodeFile(defPath, &def); err != nil {
		return nil, fmt.Errorf("decoding task file: %w", err)
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("task file %s defines no tasks", defPath)
	}

	s := &FileStore{
		statePath: statePathFor(defPath),
		index:     make(map[string]int, len(def.Tasks)),
	}
	for i, t := range def.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task %d has no id", i)
		}
		if _, dup := s.index[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		t.Status = StatusFail
		s.index[t.ID] = len(s.tasks)
		s.tasks = append(s.tasks, t)
	}

	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadState overlays persisted statuses onto the definitions. A missing
// state file is a fresh run; statuses for unknown ids are ignored.
func (s *FileStore) loadState() error {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading task state: %w", err)
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parsing task state: %w", err)
	}
	for id, status := range st.Statuses {
		if i, ok := s.index[id]; ok && status == StatusPass {
			s.tasks[i].Status = StatusPass
		}
	}
	return nil
}

// All returns a copy of every task in definition order.
func (s *FileStore) All() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// ListUnresolved returns the tasks still failing, in definition order.
func (s *FileStore) ListUnresolved() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status != StatusPass {
			out = append(out, t)
		}
	}
	return out
}

// MarkResolved flips one task to pass. Unknown ids are an error — a
// resolution signal for a task foreman is not tracking means the analyst
// and foreman disagree about the world.
func (s *FileStore) MarkResolved(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("unknown task id %q", id)
	}
	s.tasks[i].Status = StatusPass
	return nil
}

// Persist writes the status overlay atomically (temp file + rename), the
// same discipline the agents' own state files use.
func (s *FileStore) Persist() error {
	s.mu.Lock()
	st := stateFile{
		UpdatedAt: time.Now(),
		Statuses:  make(map[string]Status, len(s.tasks)),
	}
	for _, t := range s.tasks {
		st.Statuses[t.ID] = t.Status
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling task state: %w", err)
	}

	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing task state: %w", err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing task state: %w", err)
	}
	return nil
}

// MemStore is an in-memory Store for tests and dry runs.
type MemStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string
}

// NewMemStore creates a MemStore holding the given tasks.
func NewMemStore(tasks ...Task) *MemStore {
	s := &MemStore{tasks: make(map[string]*Task, len(tasks))}
	for i := range tasks {
		t := tasks[i]
		if t.Status == "" {
			t.Status = StatusFail
		}
		s.tasks[t.ID] = &t
		s.order = append(s.order, t.ID)
	}
	return s
}

func (s *MemStore) ListUnresolved() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, id := range s.order {
		if t := s.tasks[id]; t.Status != StatusPass {
			out = append(out, *t)
		}
	}
	return out
}

func (s *MemStore) MarkResolved(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task id %q", id)
	}
	t.Status = StatusPass
	return nil
}

func (s *MemStore) Persist() error { return nil }
