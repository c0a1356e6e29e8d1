package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tone(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.2
	}
	return out
}

func newTestEngine(t *testing.T, stub *Stub) *HTTPEngine {
	t.Helper()

	server := httptest.NewServer(NewHandler(stub, testLogger()))
	t.Cleanup(server.Close)

	eng, err := NewHTTPEngine(HTTPConfig{
		Endpoint:       server.URL,
		Timeout:        5 * time.Second,
		SourceLanguage: "en",
		TargetLanguage: "es",
	}, testLogger())
	if err != nil {
		t.Fatalf("NewHTTPEngine failed: %v", err)
	}
	return eng
}

func TestNewHTTPEngineValidation(t *testing.T) {
	if _, err := NewHTTPEngine(HTTPConfig{}, testLogger()); err == nil {
		t.Error("Expected error for empty endpoint")
	}

	eng, err := NewHTTPEngine(HTTPConfig{Endpoint: "http://127.0.0.1:1"}, testLogger())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if eng.config.Timeout != 30*time.Second {
		t.Errorf("Expected default timeout 30s, got %v", eng.config.Timeout)
	}
	if eng.config.MaxConcurrent != 4 {
		t.Errorf("Expected default concurrency 4, got %d", eng.config.MaxConcurrent)
	}
}

func TestHTTPEngineRoundTrip(t *testing.T) {
	stub := NewStub(StubConfig{Transcript: "hello there", Translation: "hola"})
	eng := newTestEngine(t, stub)
	ctx := context.Background()

	text, err := eng.Transcribe(ctx, tone(1600), 16000)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "hello there" {
		t.Errorf("Expected 'hello there', got %q", text)
	}

	translated, err := eng.Translate(ctx, text)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if translated != "hola" {
		t.Errorf("Expected 'hola', got %q", translated)
	}

	speech, err := eng.Synthesize(ctx, translated)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len(speech.Samples) == 0 || speech.SampleRate != 16000 {
		t.Errorf("Expected non-empty speech at 16 kHz, got %d samples at %d", len(speech.Samples), speech.SampleRate)
	}

	stats := eng.GetStats()
	if stats.TotalRequests != 3 || stats.SuccessRequests != 3 {
		t.Errorf("Expected 3 successful requests, got %+v", stats)
	}
	if stats.SuccessRate != 100 {
		t.Errorf("Expected 100%% success rate, got %f", stats.SuccessRate)
	}
}

func TestHTTPEngineLoadModelProgress(t *testing.T) {
	stub := NewStub(StubConfig{LoadSteps: 4})
	eng := newTestEngine(t, stub)

	var (
		mu       sync.Mutex
		percents []float64
		files    []string
	)
	err := eng.LoadModel(context.Background(), "whisper", func(pct float64, file string) {
		mu.Lock()
		defer mu.Unlock()
		percents = append(percents, pct)
		files = append(files, file)
	})
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}

	expected := []float64{25, 50, 75, 100}
	if len(percents) != len(expected) {
		t.Fatalf("Expected %d progress callbacks, got %v", len(expected), percents)
	}
	for i := range expected {
		if percents[i] != expected[i] {
			t.Errorf("Callback %d: expected %v, got %v", i, expected[i], percents[i])
		}
	}
	if files[0] != "whisper/part-1.onnx" {
		t.Errorf("Expected file name relayed, got %q", files[0])
	}

	if models := eng.GetStats().LoadedModels; len(models) != 1 || models[0] != "whisper" {
		t.Errorf("Expected whisper loaded, got %v", models)
	}
}

func TestHTTPEngineLoadModelFailure(t *testing.T) {
	stub := NewStub(StubConfig{})
	stub.FailOn("load:tts", errors.New("checksum mismatch"))
	eng := newTestEngine(t, stub)

	err := eng.LoadModel(context.Background(), "tts", nil)
	if err == nil {
		t.Fatal("Expected load failure")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("Expected server message in error, got %v", err)
	}
	if eng.GetStats().FailedRequests != 1 {
		t.Errorf("Expected 1 failed request, got %d", eng.GetStats().FailedRequests)
	}
}

func TestHTTPEngineStatusError(t *testing.T) {
	stub := NewStub(StubConfig{})
	stub.FailOn("translate", errors.New("model crashed"))
	eng := newTestEngine(t, stub)

	_, err := eng.Translate(context.Background(), "hello")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", statusErr.Code)
	}
	if !strings.Contains(statusErr.Body, "model crashed") {
		t.Errorf("Expected body to carry the failure, got %q", statusErr.Body)
	}
	if stub.Calls("translate") != 1 {
		t.Errorf("Expected no retries, got %d calls", stub.Calls("translate"))
	}
}

func TestHTTPEngineTranscribeRejectsEmptyAudio(t *testing.T) {
	eng := newTestEngine(t, NewStub(StubConfig{}))

	if _, err := eng.Transcribe(context.Background(), nil, 16000); err == nil {
		t.Error("Expected error for empty audio")
	}
}

func TestHTTPEngineContextCancelled(t *testing.T) {
	stub := NewStub(StubConfig{StageDelay: 2 * time.Second})
	eng := newTestEngine(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := eng.Translate(ctx, "hello"); err == nil {
		t.Error("Expected error when context expires")
	}
}

func TestHTTPEngineLoadStreamTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"progress","progress":10}`+"\n")
	}))
	defer server.Close()

	eng, _ := NewHTTPEngine(HTTPConfig{Endpoint: server.URL}, testLogger())
	err := eng.LoadModel(context.Background(), "marian", nil)
	if err == nil || !strings.Contains(err.Error(), "ended before completion") {
		t.Errorf("Expected truncated stream error, got %v", err)
	}
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	handler := NewHandler(NewStub(StubConfig{}), testLogger())

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"get transcribe", http.MethodGet, "/transcribe", "", http.StatusMethodNotAllowed},
		{"bad translate body", http.MethodPost, "/translate", "{", http.StatusBadRequest},
		{"load without suffix", http.MethodPost, "/models/whisper", "", http.StatusNotFound},
		{"transcribe without form", http.MethodPost, "/transcribe", "x", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.code {
				t.Errorf("Expected %d, got %d", tt.code, rec.Code)
			}
		})
	}
}
