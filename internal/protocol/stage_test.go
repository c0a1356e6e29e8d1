package protocol

import (
	"encoding/json"
	"testing"
)

func TestStageOrder(t *testing.T) {
	for i, stage := range Stages {
		if int(stage) != i {
			t.Errorf("Expected %s at position %d", stage, i)
		}

		next, ok := stage.Next()
		if stage == StagePlay {
			if ok {
				t.Errorf("Expected no stage after play, got %s", next)
			}
		} else if !ok || next != Stages[i+1] {
			t.Errorf("Expected %s after %s, got %s", Stages[i+1], stage, next)
		}

		prev, ok := stage.Prev()
		if stage == StageCapture {
			if ok {
				t.Errorf("Expected no stage before capture, got %s", prev)
			}
		} else if !ok || prev != Stages[i-1] {
			t.Errorf("Expected %s before %s, got %s", Stages[i-1], stage, prev)
		}
	}
}

func TestParseStage(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  Stage
		expectErr bool
	}{
		{"capture", "capture", StageCapture, false},
		{"transcribe", "transcribe", StageTranscribe, false},
		{"translate", "translate", StageTranslate, false},
		{"synthesize", "synthesize", StageSynthesize, false},
		{"play", "play", StagePlay, false},
		{"unknown", "vocode", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage, err := ParseStage(tt.input)
			if tt.expectErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if stage != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, stage)
			}
		})
	}
}

func TestStageJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Stage{"stage": StageTranslate})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"stage":"translate"}` {
		t.Errorf("Unexpected JSON: %s", data)
	}

	var decoded map[string]Stage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["stage"] != StageTranslate {
		t.Errorf("Expected translate, got %s", decoded["stage"])
	}

	if _, err := json.Marshal(Stage(42)); err == nil {
		t.Error("Expected error marshalling invalid stage")
	}
}

func TestStageStateString(t *testing.T) {
	expected := map[StageState]string{
		StateIdle:   "idle",
		StateActive: "active",
		StateDone:   "done",
		StateError:  "error",
	}
	for state, name := range expected {
		if state.String() != name {
			t.Errorf("Expected %s, got %s", name, state.String())
		}
	}
}
