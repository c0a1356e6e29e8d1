package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Manikeshmk/Arm-challenge/internal/apperrors"
	"github.com/Manikeshmk/Arm-challenge/internal/engine"
	"github.com/Manikeshmk/Arm-challenge/internal/progress"
	"github.com/Manikeshmk/Arm-challenge/internal/protocol"
)

var defaultAssets = []Asset{
	{ID: "whisper", Name: "Xenova/whisper-tiny.en", Weight: 40},
	{ID: "marian", Name: "Xenova/opus-mt-en-es", Weight: 75},
	{ID: "tts", Name: "Xenova/speecht5_tts", Weight: 150},
}

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) emit(m protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) statuses() []protocol.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.Status, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Status()
	}
	return out
}

func TestLoaderSequential(t *testing.T) {
	stub := engine.NewStub(engine.StubConfig{LoadSteps: 2})
	loader := NewLoader(stub, LoaderConfig{MaxParallel: 1, Estimator: progress.DefaultEstimator()}, testLogger(), nil)

	rec := &recorder{}
	if err := loader.Load(context.Background(), defaultAssets, rec.emit); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Per asset: load_start, two progress updates, model_done.
	expected := []protocol.Status{}
	for range defaultAssets {
		expected = append(expected,
			protocol.StatusLoadStart,
			protocol.StatusModelProgress,
			protocol.StatusModelProgress,
			protocol.StatusModelDone,
		)
	}
	expected = append(expected, protocol.StatusInitDone)

	got := rec.statuses()
	if len(got) != len(expected) {
		t.Fatalf("Expected %d messages, got %d: %v", len(expected), len(got), got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Message %d: expected %s, got %s", i, expected[i], got[i])
		}
	}

	// whisper at 100% alone is 40/265 of the total.
	first := rec.msgs[2].(protocol.ModelProgress)
	if first.Model != "whisper" || first.Pct != 100 || first.Overall != 15 {
		t.Errorf("Expected whisper 100%% with overall 15, got %+v", first)
	}

	status := loader.Status()
	if !status.Done || status.Overall != 100 || status.Loading {
		t.Errorf("Expected finished load at 100%%, got %+v", status)
	}
}

func TestLoaderOverallMonotonic(t *testing.T) {
	stub := engine.NewStub(engine.StubConfig{LoadSteps: 5})
	loader := NewLoader(stub, LoaderConfig{MaxParallel: 3}, testLogger(), nil)

	rec := &recorder{}
	if err := loader.Load(context.Background(), defaultAssets, rec.emit); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	last := -1
	for _, m := range rec.msgs {
		p, ok := m.(protocol.ModelProgress)
		if !ok {
			continue
		}
		if p.Overall < last {
			t.Errorf("Overall went backwards: %d after %d", p.Overall, last)
		}
		last = p.Overall
	}
	if last != 100 {
		t.Errorf("Expected final overall 100, got %d", last)
	}

	if got := rec.statuses(); got[len(got)-1] != protocol.StatusInitDone {
		t.Errorf("Expected init_done last, got %s", got[len(got)-1])
	}
}

func TestLoaderFailure(t *testing.T) {
	stub := engine.NewStub(engine.StubConfig{LoadSteps: 1})
	stub.FailOn("load:marian", errors.New("download interrupted"))
	loader := NewLoader(stub, LoaderConfig{MaxParallel: 1}, testLogger(), nil)

	rec := &recorder{}
	err := loader.Load(context.Background(), defaultAssets, rec.emit)
	if !errors.Is(err, apperrors.ErrLoad) {
		t.Fatalf("Expected load error, got %v", err)
	}

	var sawError bool
	for _, m := range rec.msgs {
		switch msg := m.(type) {
		case protocol.InitDone:
			t.Error("init_done must not be sent after a failure")
		case protocol.Error:
			sawError = true
			if msg.Message == "" {
				t.Error("Expected error message text")
			}
		}
	}
	if !sawError {
		t.Error("Expected an error message")
	}

	if stub.Calls("load:tts") != 0 {
		t.Error("Expected remaining assets skipped after a failure")
	}

	status := loader.Status()
	if status.Done || status.Error == "" {
		t.Errorf("Expected failed status, got %+v", status)
	}
}

func TestLoaderRejectsConcurrentLoad(t *testing.T) {
	stub := engine.NewStub(engine.StubConfig{LoadSteps: 2, LoadDelay: 30 * time.Millisecond})
	loader := NewLoader(stub, LoaderConfig{}, testLogger(), nil)

	done := make(chan error, 1)
	go func() {
		done <- loader.Load(context.Background(), defaultAssets[:1], nil)
	}()

	deadline := time.Now().Add(time.Second)
	for !loader.Status().Loading && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := loader.Load(context.Background(), defaultAssets[:1], nil); !errors.Is(err, apperrors.ErrConcurrency) {
		t.Errorf("Expected concurrency error, got %v", err)
	}

	if err := <-done; err != nil {
		t.Errorf("First load failed: %v", err)
	}
}

func TestLoaderInvalidAssets(t *testing.T) {
	loader := NewLoader(engine.NewStub(engine.StubConfig{}), LoaderConfig{}, testLogger(), nil)

	if err := loader.Load(context.Background(), nil, nil); err == nil {
		t.Error("Expected error for no assets")
	}

	dup := []Asset{{ID: "a", Weight: 1}, {ID: "a", Weight: 2}}
	if err := loader.Load(context.Background(), dup, nil); err == nil {
		t.Error("Expected error for duplicate asset ids")
	}
}

func TestLoaderETA(t *testing.T) {
	stub := engine.NewStub(engine.StubConfig{LoadSteps: 2})
	loader := NewLoader(stub, LoaderConfig{Estimator: progress.DefaultEstimator()}, testLogger(), nil)

	// Every clock read advances ten seconds.
	var mu sync.Mutex
	clock := time.Unix(0, 0)
	loader.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(10 * time.Second)
		return clock
	}

	rec := &recorder{}
	if err := loader.Load(context.Background(), defaultAssets[:1], rec.emit); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	first := rec.msgs[1].(protocol.ModelProgress)
	if first.Overall != 50 {
		t.Fatalf("Expected overall 50, got %d", first.Overall)
	}
	if first.ETA != "~10s remaining" {
		t.Errorf("Expected '~10s remaining', got %q", first.ETA)
	}

	last := rec.msgs[2].(protocol.ModelProgress)
	if last.ETA != "finalizing" {
		t.Errorf("Expected 'finalizing' at 100%%, got %q", last.ETA)
	}
}
