package controller

import (
	"testing"
	"time"

	"github.com/Manikeshmk/Arm-challenge/internal/history"
	"github.com/Manikeshmk/Arm-challenge/internal/protocol"
)

func TestRunEnterRequiresPredecessor(t *testing.T) {
	now := time.Unix(100, 0)
	r := newRun("run-1", now)

	if err := r.enter(protocol.StageCapture, now); err != nil {
		t.Fatalf("Capture should start without predecessor: %v", err)
	}
	if err := r.enter(protocol.StageTranscribe, now); err == nil {
		t.Error("Expected transcribe rejected while capture is active")
	}

	r.finish(protocol.StageCapture, now.Add(2*time.Second))
	if err := r.enter(protocol.StageTranscribe, now.Add(2*time.Second)); err != nil {
		t.Errorf("Expected transcribe allowed after capture: %v", err)
	}
	if err := r.enter(protocol.StageSynthesize, now); err == nil {
		t.Error("Expected synthesize rejected before translate")
	}
}

func TestRunTimers(t *testing.T) {
	start := time.Unix(100, 0)
	r := newRun("run-1", start)

	r.enter(protocol.StageCapture, start)
	r.finish(protocol.StageCapture, start.Add(2*time.Second))
	if got := r.stages[protocol.StageCapture].elapsed; got != 2*time.Second {
		t.Errorf("Expected capture 2s, got %v", got)
	}

	r.enter(protocol.StageTranscribe, start.Add(2*time.Second))
	// Re-entering restarts the timer.
	r.enter(protocol.StageTranscribe, start.Add(3*time.Second))
	r.finish(protocol.StageTranscribe, start.Add(3500*time.Millisecond))
	if got := r.stages[protocol.StageTranscribe].elapsed; got != 500*time.Millisecond {
		t.Errorf("Expected restarted timer 500ms, got %v", got)
	}

	r.enter(protocol.StageTranslate, start.Add(4*time.Second))
	r.fail(protocol.StageTranslate, "translate failed", nil, start.Add(5*time.Second))

	if got := r.stages[protocol.StageTranslate]; got.state != protocol.StateError || got.elapsed != time.Second {
		t.Errorf("Expected translate error after 1s, got %+v", got)
	}

	entry := r.record(start.Add(5 * time.Second))
	if entry.Outcome != history.OutcomeFailed || entry.FailedStage != "translate" {
		t.Errorf("Expected failed translate entry, got %+v", entry)
	}
	if len(entry.Stages) != 3 {
		t.Errorf("Expected 3 timed stages, got %v", entry.Stages)
	}
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{Idle, "idle"},
		{Capturing, "capturing"},
		{Dispatching, "dispatching"},
		{Transcribing, "transcribing"},
		{Translating, "translating"},
		{Synthesizing, "synthesizing"},
		{Playing, "playing"},
		{Error, "error"},
		{State(42), "state(42)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, got)
		}
	}
}
