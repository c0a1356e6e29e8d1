package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Manikeshmk/Arm-challenge/internal/apperrors"
	"github.com/Manikeshmk/Arm-challenge/internal/engine"
	"github.com/Manikeshmk/Arm-challenge/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func speech(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.25
	}
	return out
}

func newRequest(t *testing.T) Request {
	t.Helper()
	req, err := NewRequest(speech(32000), 16000)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	return req
}

func collect(t *testing.T, events <-chan protocol.Event) []protocol.Event {
	t.Helper()

	var out []protocol.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("Timed out waiting for events, got %d", len(out))
		}
	}
}

func TestNewRequest(t *testing.T) {
	samples := speech(100)
	req, err := NewRequest(samples, 16000)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	samples[0] = 9
	if req.Audio[0] != 0.25 {
		t.Error("Expected request to own a copy of the audio")
	}

	if _, err := NewRequest(samples, 48000); err == nil {
		t.Error("Expected error for non-pipeline sample rate")
	}
	if _, err := NewRequest(nil, 16000); err == nil {
		t.Error("Expected error for empty audio")
	}
}

func TestClientEventOrder(t *testing.T) {
	stub := engine.NewStub(engine.StubConfig{Transcript: "hello there", Translation: "hola"})
	client := NewClient(stub, ClientConfig{}, testLogger(), nil)

	events, err := client.Send(context.Background(), newRequest(t))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got := collect(t, events)

	if len(got) != 6 {
		t.Fatalf("Expected 6 events, got %d: %v", len(got), got)
	}

	expected := []struct {
		started bool
		stage   protocol.Stage
	}{
		{true, protocol.StageTranscribe},
		{false, protocol.StageTranscribe},
		{true, protocol.StageTranslate},
		{false, protocol.StageTranslate},
		{true, protocol.StageSynthesize},
		{false, protocol.StageSynthesize},
	}

	for i, exp := range expected {
		if got[i].EventStage() != exp.stage {
			t.Errorf("Event %d: expected stage %s, got %s", i, exp.stage, got[i].EventStage())
		}
		_, isStarted := got[i].(protocol.StageStarted)
		if isStarted != exp.started {
			t.Errorf("Event %d: expected started=%v, got %T", i, exp.started, got[i])
		}
	}

	if r := got[1].(protocol.StageResult); r.Text != "hello there" {
		t.Errorf("Expected transcript 'hello there', got %q", r.Text)
	}
	if r := got[3].(protocol.StageResult); r.Text != "hola" {
		t.Errorf("Expected translation 'hola', got %q", r.Text)
	}
	final := got[5].(protocol.StageResult)
	if len(final.Audio) == 0 || final.SampleRate != 16000 {
		t.Errorf("Expected synthesized audio at 16 kHz, got %d samples at %d", len(final.Audio), final.SampleRate)
	}
	if !protocol.Terminal(got[5]) {
		t.Error("Expected last event to be terminal")
	}

	stats := client.GetStats()
	if stats.InFlight || stats.Completed != 1 {
		t.Errorf("Expected one completed run, got %+v", stats)
	}
}

func TestClientSingleFlight(t *testing.T) {
	stub := engine.NewStub(engine.StubConfig{StageDelay: 50 * time.Millisecond})
	client := NewClient(stub, ClientConfig{}, testLogger(), nil)

	events, err := client.Send(context.Background(), newRequest(t))
	if err != nil {
		t.Fatalf("First Send failed: %v", err)
	}

	_, err = client.Send(context.Background(), newRequest(t))
	if !errors.Is(err, apperrors.ErrConcurrency) {
		t.Errorf("Expected concurrency error, got %v", err)
	}

	collect(t, events)

	if client.InFlight() {
		t.Error("Expected run finished after terminal event")
	}
	events, err = client.Send(context.Background(), newRequest(t))
	if err != nil {
		t.Fatalf("Expected Send to succeed after the run ended: %v", err)
	}
	collect(t, events)

	if stats := client.GetStats(); stats.Rejected != 1 || stats.Runs != 2 {
		t.Errorf("Expected 2 runs and 1 rejection, got %+v", stats)
	}
}

func TestClientNoSpeech(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
	}{
		{"blank marker", engine.BlankAudioMarker},
		{"single character", "a"},
		{"whitespace", "   "},
		{"silence tag", "[silence]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := engine.NewStub(engine.StubConfig{Transcript: tt.transcript})
			client := NewClient(stub, ClientConfig{MinTranscriptLength: 2}, testLogger(), nil)

			events, err := client.Send(context.Background(), newRequest(t))
			if err != nil {
				t.Fatalf("Send failed: %v", err)
			}
			got := collect(t, events)

			if len(got) != 2 {
				t.Fatalf("Expected started and error events, got %v", got)
			}
			perr, ok := got[1].(protocol.PipelineError)
			if !ok {
				t.Fatalf("Expected PipelineError, got %T", got[1])
			}
			if perr.Stage != protocol.StageTranscribe || perr.Message != NoSpeechMessage {
				t.Errorf("Expected no speech error at transcribe, got %+v", perr)
			}
			if !errors.Is(perr.Err, apperrors.ErrInference) {
				t.Errorf("Expected inference error, got %v", perr.Err)
			}
			if stub.Calls("translate") != 0 || stub.Calls("synthesize") != 0 {
				t.Error("Translate and synthesize must not run without speech")
			}
		})
	}
}

func TestClientStageFailure(t *testing.T) {
	stub := engine.NewStub(engine.StubConfig{})
	stub.FailOn("translate", errors.New("model crashed"))
	client := NewClient(stub, ClientConfig{}, testLogger(), nil)

	events, err := client.Send(context.Background(), newRequest(t))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got := collect(t, events)

	if len(got) != 4 {
		t.Fatalf("Expected 4 events, got %v", got)
	}
	perr, ok := got[3].(protocol.PipelineError)
	if !ok || perr.Stage != protocol.StageTranslate {
		t.Fatalf("Expected translate error, got %+v", got[3])
	}
	if !errors.Is(perr.Err, apperrors.ErrInference) {
		t.Errorf("Expected inference error kind, got %v", perr.Err)
	}
	if stub.Calls("synthesize") != 0 {
		t.Error("Synthesize must not run after a failed translate")
	}
	if stub.Calls("translate") != 1 {
		t.Errorf("Expected no retries, got %d translate calls", stub.Calls("translate"))
	}
	if client.GetStats().Failed != 1 {
		t.Errorf("Expected 1 failed run, got %d", client.GetStats().Failed)
	}
}

func TestClientStageTimeout(t *testing.T) {
	stub := engine.NewStub(engine.StubConfig{StageDelay: time.Second})
	client := NewClient(stub, ClientConfig{StageTimeout: 20 * time.Millisecond}, testLogger(), nil)

	events, err := client.Send(context.Background(), newRequest(t))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got := collect(t, events)

	perr, ok := got[len(got)-1].(protocol.PipelineError)
	if !ok {
		t.Fatalf("Expected PipelineError, got %T", got[len(got)-1])
	}
	if perr.Message != "transcribe timed out" {
		t.Errorf("Expected timeout message, got %q", perr.Message)
	}
}

func TestClientRunSurvivesCallerCancel(t *testing.T) {
	stub := engine.NewStub(engine.StubConfig{StageDelay: 10 * time.Millisecond})
	client := NewClient(stub, ClientConfig{}, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := client.Send(ctx, newRequest(t))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	cancel()

	got := collect(t, events)
	if _, ok := got[len(got)-1].(protocol.StageResult); !ok || len(got) != 6 {
		t.Errorf("Expected dispatched run to complete, got %v", got)
	}
}

func TestClientCopiesRequestAudio(t *testing.T) {
	stub := engine.NewStub(engine.StubConfig{StageDelay: 20 * time.Millisecond})
	client := NewClient(stub, ClientConfig{}, testLogger(), nil)

	req := newRequest(t)
	events, err := client.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Silence the caller's buffer. The run must still see speech.
	for i := range req.Audio {
		req.Audio[i] = 0
	}

	got := collect(t, events)
	if r, ok := got[1].(protocol.StageResult); !ok || r.Text != "hello there" {
		t.Errorf("Expected transcript from the dispatched copy, got %+v", got[1])
	}
}

func TestClientRejectsInvalidRequest(t *testing.T) {
	client := NewClient(engine.NewStub(engine.StubConfig{}), ClientConfig{}, testLogger(), nil)

	if _, err := client.Send(context.Background(), Request{Audio: speech(10), SampleRate: 44100}); err == nil {
		t.Error("Expected error for wrong sample rate")
	}
	if client.InFlight() {
		t.Error("Rejected request must not mark a run in flight")
	}
}

// panickingEngine panics in one operation.
type panickingEngine struct {
	*engine.Stub
	op string
}

func (e *panickingEngine) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	if e.op == "transcribe" {
		panic("decoder crashed")
	}
	return e.Stub.Transcribe(ctx, samples, sampleRate)
}

func (e *panickingEngine) Translate(ctx context.Context, text string) (string, error) {
	if e.op == "translate" {
		panic("decoder crashed")
	}
	return e.Stub.Translate(ctx, text)
}

func TestClientRecoversEnginePanic(t *testing.T) {
	tests := []struct {
		op     string
		stage  protocol.Stage
		events int
	}{
		{"transcribe", protocol.StageTranscribe, 2},
		{"translate", protocol.StageTranslate, 4},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			eng := &panickingEngine{Stub: engine.NewStub(engine.StubConfig{}), op: tt.op}
			client := NewClient(eng, ClientConfig{}, testLogger(), nil)

			events, err := client.Send(context.Background(), newRequest(t))
			if err != nil {
				t.Fatalf("Send failed: %v", err)
			}
			got := collect(t, events)

			if len(got) != tt.events {
				t.Fatalf("Expected %d events, got %d: %v", tt.events, len(got), got)
			}
			last, ok := got[len(got)-1].(protocol.PipelineError)
			if !ok {
				t.Fatalf("Expected terminal pipeline error, got %T", got[len(got)-1])
			}
			if last.Stage != tt.stage {
				t.Errorf("Expected failure at %s, got %s", tt.stage, last.Stage)
			}
			if !errors.Is(last.Err, apperrors.ErrInference) {
				t.Errorf("Expected inference error, got %v", last.Err)
			}

			if client.InFlight() {
				t.Error("Expected in-flight slot released after a panic")
			}
			if stats := client.GetStats(); stats.Failed != 1 {
				t.Errorf("Expected one failed run, got %+v", stats)
			}
		})
	}
}

func TestClientReleasesAfterTerminalEvent(t *testing.T) {
	for i := 0; i < 50; i++ {
		client := NewClient(engine.NewStub(engine.StubConfig{}), ClientConfig{}, testLogger(), nil)

		events, err := client.Send(context.Background(), newRequest(t))
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		for n := 0; n < 5; n++ {
			<-events
		}

		deadline := time.Now().Add(5 * time.Second)
		for client.InFlight() {
			if time.Now().After(deadline) {
				t.Fatal("Timed out waiting for the run to finish")
			}
			time.Sleep(100 * time.Microsecond)
		}

		// Once the slot is free the terminal event must already be queued.
		select {
		case ev := <-events:
			if !protocol.Terminal(ev) {
				t.Fatalf("Iteration %d: expected terminal event, got %T", i, ev)
			}
		default:
			t.Fatalf("Iteration %d: run released before its terminal event was sent", i)
		}
		collect(t, events)
	}
}
