package store

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call", "waiting", true},
		{"call", "called", false},
		{"call", "missed", false},
		{"start", "called", true},
		{"start", "waiting", false},
		{"complete", "in_progress", true},
		{"complete", "called", false},
		{"cancel", "waiting", true},
		{"cancel", "called", false},
		{"cancel", "completed", false},
		{"no_show", "waiting", true},
		{"no_show", "called", true},
		{"no_show", "in_progress", false},
		{"reactivate", "missed", true},
		{"reactivate", "waiting", false},
		{"reactivate", "cancelled", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for _, terminal := range []string{"completed", "cancelled"} {
		for action := range transitionMap {
			if ValidTransition(action, terminal) {
				t.Fatalf("action %q must not be valid from %q", action, terminal)
			}
		}
	}
}
