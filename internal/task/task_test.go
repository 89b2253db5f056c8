package task

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTaskFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "tasks.toml")
	content := `
[[task]]
id = "login-500"
title = "Login endpoint returns 500"
detail = "POST /login with valid creds"

[[task]]
id = "cart-empty"
title = "Cart renders empty after add"

[[task]]
id = "search-slow"
title = "Search takes >10s"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeTaskFile(t, t.TempDir())

	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	unresolved := s.ListUnresolved()
	if len(unresolved) != 3 {
		t.Fatalf("ListUnresolved() returned %d tasks, want 3", len(unresolved))
	}
	// Definition order preserved, everything starts failed.
	if unresolved[0].ID != "login-500" {
		t.Errorf("first task = %q, want login-500", unresolved[0].ID)
	}
	for _, task := range unresolved {
		if task.Status != StatusFail {
			t.Errorf("task %s status = %q, want %q", task.ID, task.Status, StatusFail)
		}
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"empty file", ""},
		{"missing id", "[[task]]\ntitle = \"no id\"\n"},
		{"duplicate id", "[[task]]\nid = \"a\"\n[[task]]\nid = \"a\"\n"},
		{"malformed toml", "[[task\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".toml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFile(path); err == nil {
				t.Error("LoadFile = nil error, want error")
			}
		})
	}
}

func TestPersistAndReload(t *testing.T) {
	path := writeTaskFile(t, t.TempDir())

	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := s.MarkResolved("cart-empty"); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}
	if err := s.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	// A fresh load overlays the persisted statuses.
	s2, err := LoadFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	unresolved := s2.ListUnresolved()
	if len(unresolved) != 2 {
		t.Fatalf("ListUnresolved after reload = %d tasks, want 2", len(unresolved))
	}
	for _, task := range unresolved {
		if task.ID == "cart-empty" {
			t.Error("cart-empty still unresolved after persist/reload")
		}
	}
}

func TestMarkResolvedUnknownID(t *testing.T) {
	s := NewMemStore(Task{ID: "a"})
	if err := s.MarkResolved("phantom"); err == nil {
		t.Error("MarkResolved(phantom) = nil error, want error")
	}
}
