package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// BlankAudioMarker is what speech recognizers return for silent input.
const BlankAudioMarker = "[BLANK_AUDIO]"

// StubConfig configures the deterministic stub engine.
type StubConfig struct {
	Transcript  string
	Translation string
	// SampleRate and SpeechPerChar size the synthesized tone.
	SampleRate    int
	SpeechPerChar time.Duration
	// StageDelay is slept before every inference call.
	StageDelay time.Duration
	// LoadSteps progress callbacks are made per model, LoadDelay apart.
	LoadSteps int
	LoadDelay time.Duration
	// SilenceThreshold is the peak level below which input counts as silent.
	SilenceThreshold float32
}

// Stub is an in-process Engine returning canned results. Failures can be
// injected per operation with FailOn.
type Stub struct {
	config StubConfig

	mu       sync.Mutex
	failures map[string]error
	calls    map[string]int
	loaded   map[string]bool
}

// NewStub creates a stub engine, filling unset fields with defaults.
func NewStub(config StubConfig) *Stub {
	if config.Transcript == "" {
		config.Transcript = "hello there"
	}
	if config.Translation == "" {
		config.Translation = "hola"
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}
	if config.SpeechPerChar <= 0 {
		config.SpeechPerChar = 60 * time.Millisecond
	}
	if config.LoadSteps <= 0 {
		config.LoadSteps = 4
	}
	if config.SilenceThreshold <= 0 {
		config.SilenceThreshold = 1e-4
	}

	return &Stub{
		config:   config,
		failures: make(map[string]error),
		calls:    make(map[string]int),
		loaded:   make(map[string]bool),
	}
}

// FailOn makes op return err until cleared with a nil err. op is one of
// "transcribe", "translate", "synthesize" or "load:<model>".
func (s *Stub) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how many times op was invoked.
func (s *Stub) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// LoadedModels returns the ids of models loaded so far.
func (s *Stub) LoadedModels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.loaded))
	for id := range s.loaded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Stub) enter(op string) error {
	s.mu.Lock()
	s.calls[op]++
	err := s.failures[op]
	s.mu.Unlock()
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stub) LoadModel(ctx context.Context, modelID string, progress ProgressFunc) error {
	op := "load:" + modelID
	if err := s.enter(op); err != nil {
		return err
	}

	for step := 1; step <= s.config.LoadSteps; step++ {
		if err := sleep(ctx, s.config.LoadDelay); err != nil {
			return err
		}
		if progress != nil {
			pct := float64(step) / float64(s.config.LoadSteps) * 100
			progress(pct, fmt.Sprintf("%s/part-%d.onnx", modelID, step))
		}
	}

	s.mu.Lock()
	s.loaded[modelID] = true
	s.mu.Unlock()
	return nil
}

func (s *Stub) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	if err := s.enter("transcribe"); err != nil {
		return "", err
	}
	if err := sleep(ctx, s.config.StageDelay); err != nil {
		return "", err
	}

	if sampleRate <= 0 {
		return "", fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	var peak float32
	for _, v := range samples {
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak < s.config.SilenceThreshold {
		return BlankAudioMarker, nil
	}

	return s.config.Transcript, nil
}

func (s *Stub) Translate(ctx context.Context, text string) (string, error) {
	if err := s.enter("translate"); err != nil {
		return "", err
	}
	if err := sleep(ctx, s.config.StageDelay); err != nil {
		return "", err
	}
	return s.config.Translation, nil
}

// Synthesize returns a 220 Hz tone whose length grows with the text.
func (s *Stub) Synthesize(ctx context.Context, text string) (Speech, error) {
	if err := s.enter("synthesize"); err != nil {
		return Speech{}, err
	}
	if err := sleep(ctx, s.config.StageDelay); err != nil {
		return Speech{}, err
	}

	chars := len([]rune(text))
	if chars == 0 {
		return Speech{}, fmt.Errorf("nothing to synthesize")
	}

	n := int(int64(s.config.SampleRate) * int64(s.config.SpeechPerChar*time.Duration(chars)) / int64(time.Second))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/float64(s.config.SampleRate)))
	}

	return Speech{Samples: samples, SampleRate: s.config.SampleRate}, nil
}
