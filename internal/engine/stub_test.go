package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStubDefaults(t *testing.T) {
	stub := NewStub(StubConfig{})
	ctx := context.Background()

	text, err := stub.Transcribe(ctx, tone(100), 16000)
	if err != nil || text != "hello there" {
		t.Errorf("Expected default transcript, got %q (%v)", text, err)
	}

	translated, err := stub.Translate(ctx, text)
	if err != nil || translated != "hola" {
		t.Errorf("Expected default translation, got %q (%v)", translated, err)
	}

	speech, err := stub.Synthesize(ctx, "hola")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	// 4 characters at 60ms each.
	if speech.Duration() != 240*time.Millisecond {
		t.Errorf("Expected 240ms of speech, got %v", speech.Duration())
	}
}

func TestStubSilenceIsBlank(t *testing.T) {
	stub := NewStub(StubConfig{})

	text, err := stub.Transcribe(context.Background(), make([]float32, 1600), 16000)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != BlankAudioMarker {
		t.Errorf("Expected blank marker for silence, got %q", text)
	}
}

func TestStubFailOn(t *testing.T) {
	stub := NewStub(StubConfig{})
	boom := errors.New("boom")

	stub.FailOn("synthesize", boom)
	if _, err := stub.Synthesize(context.Background(), "hola"); !errors.Is(err, boom) {
		t.Errorf("Expected injected failure, got %v", err)
	}

	stub.FailOn("synthesize", nil)
	if _, err := stub.Synthesize(context.Background(), "hola"); err != nil {
		t.Errorf("Expected failure cleared, got %v", err)
	}

	if stub.Calls("synthesize") != 2 {
		t.Errorf("Expected 2 calls, got %d", stub.Calls("synthesize"))
	}
}

func TestStubLoadModel(t *testing.T) {
	stub := NewStub(StubConfig{LoadSteps: 2})

	var got []float64
	if err := stub.LoadModel(context.Background(), "marian", func(pct float64, file string) {
		got = append(got, pct)
	}); err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}

	if len(got) != 2 || got[0] != 50 || got[1] != 100 {
		t.Errorf("Expected [50 100], got %v", got)
	}
	if models := stub.LoadedModels(); len(models) != 1 || models[0] != "marian" {
		t.Errorf("Expected marian loaded, got %v", models)
	}
}

func TestStubHonoursContext(t *testing.T) {
	stub := NewStub(StubConfig{StageDelay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := stub.Translate(ctx, "hello"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
