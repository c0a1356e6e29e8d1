package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Manikeshmk/Arm-challenge/internal/apperrors"
	"github.com/Manikeshmk/Arm-challenge/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeWAV(t *testing.T, samples []float32, rate int) string {
	t.Helper()

	data, err := audio.EncodeWAV(samples, rate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "input.wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

type frameCollector struct {
	mu      sync.Mutex
	samples int
	frames  int
	rate    int
	full    chan struct{}
	want    int
}

func (c *frameCollector) onFrame(samples []float32, rate int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples += len(samples)
	c.frames++
	c.rate = rate
	if c.samples == c.want {
		close(c.full)
	}
}

func TestFileCapturerDeliversFrames(t *testing.T) {
	path := writeWAV(t, make([]float32, 10000), 48000)
	capturer := NewFileCapturer(path, 4096, false, testLogger())

	handle, err := capturer.AcquireCapture(context.Background())
	if err != nil {
		t.Fatalf("AcquireCapture failed: %v", err)
	}

	c := &frameCollector{full: make(chan struct{}), want: 10000}
	handle.OnFrame(c.onFrame)

	select {
	case <-c.full:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for frames")
	}

	if err := handle.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frames != 3 {
		t.Errorf("Expected 3 frames, got %d", c.frames)
	}
	if c.rate != 48000 {
		t.Errorf("Expected native rate 48000, got %d", c.rate)
	}
}

func TestFileCapturerMissingFile(t *testing.T) {
	capturer := NewFileCapturer(filepath.Join(t.TempDir(), "missing.wav"), 0, false, testLogger())

	_, err := capturer.AcquireCapture(context.Background())
	if !errors.Is(err, apperrors.ErrPermission) {
		t.Errorf("Expected permission error, got %v", err)
	}
}

func TestFileCapturerExclusive(t *testing.T) {
	path := writeWAV(t, make([]float32, 100), 16000)
	capturer := NewFileCapturer(path, 0, true, testLogger())

	handle, err := capturer.AcquireCapture(context.Background())
	if err != nil {
		t.Fatalf("AcquireCapture failed: %v", err)
	}

	if _, err := capturer.AcquireCapture(context.Background()); !errors.Is(err, apperrors.ErrCapture) {
		t.Errorf("Expected busy device error, got %v", err)
	}

	// Releasing without ever installing a callback must not block.
	handle.Release()
	handle.Release()

	handle, err = capturer.AcquireCapture(context.Background())
	if err != nil {
		t.Fatalf("Expected device free after release: %v", err)
	}
	handle.Release()
}

func TestFileCapturerReleaseStopsRealtimeDelivery(t *testing.T) {
	path := writeWAV(t, make([]float32, 16000*10), 16000)
	capturer := NewFileCapturer(path, 1600, true, testLogger())

	handle, _ := capturer.AcquireCapture(context.Background())
	c := &frameCollector{full: make(chan struct{}), want: -1}
	handle.OnFrame(c.onFrame)

	time.Sleep(50 * time.Millisecond)
	handle.Release()

	c.mu.Lock()
	frames := c.frames
	c.mu.Unlock()

	time.Sleep(250 * time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frames != frames {
		t.Errorf("Expected no frames after release, got %d more", c.frames-frames)
	}
	if frames >= 100 {
		t.Errorf("Expected paced delivery, got %d frames in 50ms", frames)
	}
}

func TestFilePlayerWritesWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "output.wav")
	player := NewFilePlayer(path, false, testLogger())

	samples := []float32{0, 0.5, -0.5, 0.25}
	playback, err := player.Play(context.Background(), samples, 16000)
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	if err := <-playback.Done(); err != nil {
		t.Errorf("Expected clean playback, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	decoded, rate, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if rate != 16000 || len(decoded) != len(samples) {
		t.Errorf("Expected %d samples at 16000, got %d at %d", len(samples), len(decoded), rate)
	}
	if player.Played() != 1 {
		t.Errorf("Expected 1 play, got %d", player.Played())
	}
}

func TestFilePlayerRealtimeCancel(t *testing.T) {
	player := NewFilePlayer(filepath.Join(t.TempDir(), "output.wav"), true, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	playback, err := player.Play(ctx, make([]float32, 16000*5), 16000)
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	cancel()

	select {
	case err := <-playback.Done():
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Playback did not stop on cancel")
	}
}

func TestFilePlayerRejectsEmptyAudio(t *testing.T) {
	player := NewFilePlayer(filepath.Join(t.TempDir(), "output.wav"), false, testLogger())

	if _, err := player.Play(context.Background(), nil, 16000); err == nil {
		t.Error("Expected error for empty audio")
	}
}
