package task

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseSignals(t *testing.T) {
	known := map[string]bool{"login-500": true, "cart-empty": true, "Search-Slow": true}

	tests := []struct {
		name string
		text string
		want []Signal
	}{
		{
			name: "single resolved",
			text: "Verified the fix.\nRESOLVED: login-500\n",
			want: []Signal{{TaskID: "login-500", Resolved: true}},
		},
		{
			name: "still failing is a signal",
			text: "STILL FAILING: cart-empty",
			want: []Signal{{TaskID: "cart-empty", Resolved: false}},
		},
		{
			name: "mixed verdicts",
			text: "resolved: login-500\nstill failing: cart-empty\n",
			want: []Signal{
				{TaskID: "login-500", Resolved: true},
				{TaskID: "cart-empty", Resolved: false},
			},
		},
		{
			name: "case insensitive id reports tracked spelling",
			text: "Resolved: search-slow",
			want: []Signal{{TaskID: "Search-Slow", Resolved: true}},
		},
		{
			name: "trailing punctuation trimmed",
			text: "RESOLVED: login-500.",
			want: []Signal{{TaskID: "login-500", Resolved: true}},
		},
		{
			name: "prose after id ignored",
			text: "RESOLVED: login-500 after retrying the deploy",
			want: []Signal{{TaskID: "login-500", Resolved: true}},
		},
		{
			name: "unresolved is not a resolved marker",
			text: "UNRESOLVED: login-500",
			want: nil,
		},
		{
			name: "unknown id ignored",
			text: "RESOLVED: something-else",
			want: nil,
		},
		{
			name: "no markers",
			text: "I investigated the login endpoint and it looks better now.",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSignals(tt.text, known)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSignals = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReconcile(t *testing.T) {
	s := NewMemStore(
		Task{ID: "login-500"},
		Task{ID: "cart-empty"},
	)

	resolved, err := Reconcile(s, "RESOLVED: login-500\nSTILL FAILING: cart-empty\n")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !reflect.DeepEqual(resolved, []string{"login-500"}) {
		t.Errorf("resolved = %v, want [login-500]", resolved)
	}

	unresolved := s.ListUnresolved()
	if len(unresolved) != 1 || unresolved[0].ID != "cart-empty" {
		t.Errorf("ListUnresolved = %+v, want only cart-empty", unresolved)
	}
}

func TestReconcileAmbiguous(t *testing.T) {
	s := NewMemStore(Task{ID: "login-500"})

	_, err := Reconcile(s, "Everything seems fine, probably all fixed.")
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("Reconcile error = %v, want ErrAmbiguous", err)
	}
	// Statuses untouched: no signal never means resolved.
	if got := len(s.ListUnresolved()); got != 1 {
		t.Errorf("ListUnresolved = %d tasks, want 1", got)
	}
}
