package link

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"closed_to_listening", StateClosed, StateListening, true},
		{"closed_to_opening", StateClosed, StateOpening, true},
		{"closed_to_open_illegal", StateClosed, StateOpen, false},
		{"opening_to_open", StateOpening, StateOpen, true},
		{"opening_to_closing", StateOpening, StateClosing, true},
		{"opening_to_error", StateOpening, StateError, true},
		{"open_to_maint", StateOpen, StateMaint, true},
		{"open_to_opening_illegal", StateOpen, StateOpening, false},
		{"maint_to_open", StateMaint, StateOpen, true},
		{"listening_to_closing", StateListening, StateClosing, true},
		{"listening_to_open_illegal", StateListening, StateOpen, false},
		{"closing_to_closed", StateClosing, StateClosed, true},
		{"closing_to_opening_illegal", StateClosing, StateOpening, false},
		{"error_is_terminal", StateError, StateClosed, false},
		{"error_is_terminal_opening", StateError, StateOpening, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := canTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:    "CLOSED",
		StateClosing:   "CLOSING",
		StateError:     "ERROR",
		StateListening: "LISTENING",
		StateMaint:     "MAINT",
		StateOpening:   "OPENING",
		StateOpen:      "OPEN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestReasonForClosingString(t *testing.T) {
	cases := map[ReasonForClosing]string{
		ReasonNotClosing: "NOT_CLOSING",
		ReasonRequested:  "REQUESTED",
		ReasonFromBelow:  "FROM_BELOW",
		ReasonForError:   "FOR_ERROR",
	}
	for reason, want := range cases {
		if got := reason.String(); got != want {
			t.Errorf("ReasonForClosing(%d).String() = %q, want %q", reason, got, want)
		}
	}
}

func TestClosingReasonRequired(t *testing.T) {
	for _, s := range []State{StateClosing, StateClosed, StateError} {
		if !closingReasonRequired(s) {
			t.Errorf("closingReasonRequired(%s) = false, want true", s)
		}
	}
	for _, s := range []State{StateOpening, StateOpen, StateMaint, StateListening} {
		if closingReasonRequired(s) {
			t.Errorf("closingReasonRequired(%s) = true, want false", s)
		}
	}
}
