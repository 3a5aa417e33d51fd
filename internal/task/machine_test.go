package task

import (
	"errors"
	"math"
	"testing"

	"convertkit/internal/stream"
)

func mustApply(t *testing.T, m *Machine, tr Transition) State {
	t.Helper()
	s, err := m.Apply(tr)
	if err != nil {
		t.Fatalf("apply %s: %v", tr.Event, err)
	}
	return s
}

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine()
	s := mustApply(t, m, Transition{Event: EventStart})
	if !s.IsUploading() || s.Message != MessageUploading || s.Progress != 0 {
		t.Fatalf("unexpected uploading state %+v", s)
	}
	s = mustApply(t, m, Transition{Event: EventSubmitted, TaskID: "t-1"})
	if !s.IsProcessing() || s.TaskID != "t-1" || !s.IsLoading() {
		t.Fatalf("unexpected processing state %+v", s)
	}
	s = mustApply(t, m, Transition{Event: EventProgress, Percent: 42.6, Message: "Analyzing..."})
	if s.Progress != 43 || s.Message != "Analyzing..." {
		t.Fatalf("unexpected progress state %+v", s)
	}
	s = mustApply(t, m, Transition{Event: EventComplete, Result: &stream.Result{Success: true}})
	if !s.IsCompleted() || s.Progress != 100 || s.Result == nil || !s.Result.Success || s.Err != "" {
		t.Fatalf("unexpected completed state %+v", s)
	}
	if s.Version != 4 {
		t.Fatalf("expected version 4, got %d", s.Version)
	}
}

func TestMachineRejectsTransitionsOutsideTable(t *testing.T) {
	cases := []struct {
		name  string
		setup []Transition
		tr    Transition
	}{
		{"progress while idle", nil, Transition{Event: EventProgress, Percent: 5}},
		{"complete while uploading", []Transition{{Event: EventStart}}, Transition{Event: EventComplete}},
		{"submitted while processing", []Transition{{Event: EventStart}, {Event: EventSubmitted, TaskID: "a"}}, Transition{Event: EventSubmitted, TaskID: "b"}},
		{"submitted without id", []Transition{{Event: EventStart}}, Transition{Event: EventSubmitted}},
		{"stream error after completion", []Transition{{Event: EventStart}, {Event: EventSubmitted, TaskID: "a"}, {Event: EventComplete}}, Transition{Event: EventStreamError, Err: "late"}},
		{"unknown event", nil, Transition{Event: Event(99)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine()
			for _, tr := range tc.setup {
				mustApply(t, m, tr)
			}
			before := m.State()
			after, err := m.Apply(tc.tr)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if after != before || m.State() != before {
				t.Fatalf("state changed on rejected transition: %+v -> %+v", before, m.State())
			}
		})
	}
}

func TestMachineResultAndErrorAreExclusive(t *testing.T) {
	m := NewMachine()
	mustApply(t, m, Transition{Event: EventStart})
	mustApply(t, m, Transition{Event: EventSubmitted, TaskID: "t"})
	s := mustApply(t, m, Transition{Event: EventStreamError})
	if s.Err != stream.ConnectionLostMessage || s.Result != nil {
		t.Fatalf("unexpected error state %+v", s)
	}

	s = mustApply(t, m, Transition{Event: EventStart})
	if s.Err != "" || s.Result != nil || s.TaskID != "" {
		t.Fatalf("restart must clear previous outcome, got %+v", s)
	}
}

func TestMachineCancelAndResetFromAnyState(t *testing.T) {
	paths := [][]Transition{
		nil,
		{{Event: EventStart}},
		{{Event: EventStart}, {Event: EventSubmitted, TaskID: "x"}},
		{{Event: EventStart}, {Event: EventSubmitFailed, Err: "boom"}},
	}
	for _, path := range paths {
		m := NewMachine()
		for _, tr := range path {
			mustApply(t, m, tr)
		}
		s := mustApply(t, m, Transition{Event: EventCancel})
		if !s.IsIdle() || s.Message != MessageCancelled || s.TaskID != "" || s.Progress != 0 {
			t.Fatalf("unexpected cancelled state %+v", s)
		}
		s = mustApply(t, m, Transition{Event: EventReset})
		if !s.IsIdle() || s.Message != "" {
			t.Fatalf("unexpected reset state %+v", s)
		}
	}
}

func TestMachineSubmitFailureFallbackMessage(t *testing.T) {
	m := NewMachine()
	mustApply(t, m, Transition{Event: EventStart})
	s := mustApply(t, m, Transition{Event: EventSubmitFailed})
	if s.Err != MessageUploadFail {
		t.Fatalf("expected fallback message, got %q", s.Err)
	}
}

func TestMachineProgressOutOfRangeSaturates(t *testing.T) {
	cases := []struct {
		percent float64
		want    int
	}{
		{150, 150},
		{-5, -5},
		{1e19, math.MaxInt},
		{-1e19, math.MinInt},
		{1e300, math.MaxInt},
	}
	for _, tc := range cases {
		m := NewMachine()
		mustApply(t, m, Transition{Event: EventStart})
		mustApply(t, m, Transition{Event: EventSubmitted, TaskID: "t"})
		s := mustApply(t, m, Transition{Event: EventProgress, Percent: tc.percent, Message: "x"})
		if s.Progress != tc.want {
			t.Fatalf("percent %g: expected %d, got %d", tc.percent, tc.want, s.Progress)
		}
	}
}
