// Package portaudio drives the default microphone and speaker through the
// PortAudio host API.
//
// A Host initializes PortAudio once for the life of the process. Each
// capture session and each played utterance opens its own stream on it.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/Manikeshmk/Arm-challenge/internal/apperrors"
	"github.com/Manikeshmk/Arm-challenge/internal/audio"
)

// Config contains audio host configuration
type Config struct {
	CaptureSampleRate int
	OutputSampleRate  int
	FramesPerBuffer   int
}

// Host owns the PortAudio context.
type Host struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	closed    bool
	capturing bool
	playing   int
}

// Open initializes PortAudio. Close must be called on shutdown.
func Open(config Config, logger *slog.Logger) (*Host, error) {
	if config.CaptureSampleRate <= 0 {
		config.CaptureSampleRate = 48000
	}
	if config.OutputSampleRate <= 0 {
		config.OutputSampleRate = 16000
	}
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = 1024
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audio host: %w", err)
	}

	logger.Info("Audio host initialized",
		slog.String("version", portaudio.VersionText()),
		slog.Int("capture_sample_rate", config.CaptureSampleRate),
		slog.Int("output_sample_rate", config.OutputSampleRate),
	)

	return &Host{config: config, logger: logger}, nil
}

// AcquireCapture opens a mono input stream on the default device. Failing
// to open it, most often because microphone access was refused, is a
// permission error.
func (h *Host) AcquireCapture(ctx context.Context) (audio.CaptureHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Permission("capture acquisition cancelled", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, apperrors.Capture("audio host is closed", nil)
	}
	if h.capturing {
		h.mu.Unlock()
		return nil, apperrors.Capture("capture device busy", nil)
	}
	h.capturing = true
	h.mu.Unlock()

	c := &captureHandle{host: h, rate: h.config.CaptureSampleRate}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(c.rate), h.config.FramesPerBuffer, c.process)
	if err != nil {
		h.releaseCapture()
		return nil, apperrors.Permission("microphone access denied", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		h.releaseCapture()
		return nil, apperrors.Permission("failed to start microphone", err)
	}

	c.stream = stream
	h.logger.Debug("Microphone stream opened", slog.Int("sample_rate", c.rate))
	return c, nil
}

func (h *Host) releaseCapture() {
	h.mu.Lock()
	h.capturing = false
	h.mu.Unlock()
}

// Close terminates PortAudio. Open streams must be released first.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate audio host: %w", err)
	}
	return nil
}

type captureHandle struct {
	host   *Host
	rate   int
	stream *portaudio.Stream

	mu       sync.Mutex
	fn       audio.FrameFunc
	released bool
}

func (c *captureHandle) OnFrame(fn audio.FrameFunc) {
	c.mu.Lock()
	c.fn = fn
	c.mu.Unlock()
}

// process runs on the audio thread.
func (c *captureHandle) process(in []float32) {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()

	if fn != nil {
		fn(in, c.rate)
	}
}

func (c *captureHandle) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	c.fn = nil
	c.mu.Unlock()

	defer c.host.releaseCapture()

	stopErr := c.stream.Stop()
	closeErr := c.stream.Close()
	if stopErr != nil {
		return fmt.Errorf("failed to stop microphone: %w", stopErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close microphone: %w", closeErr)
	}
	return nil
}
