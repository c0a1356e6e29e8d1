package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Manikeshmk/Arm-challenge/internal/apperrors"
)

// FrameFunc receives one frame of mono samples at the device's native rate.
// The slice is only valid for the duration of the call.
type FrameFunc func(samples []float32, sampleRate int)

// CaptureHandle is an acquired capture device.
type CaptureHandle interface {
	// OnFrame installs the frame callback. Frames delivered before a
	// callback is installed are dropped.
	OnFrame(fn FrameFunc)
	// Release stops the device and frees it for the next acquisition.
	Release() error
}

// Capturer acquires the capture device.
type Capturer interface {
	AcquireCapture(ctx context.Context) (CaptureHandle, error)
}

// LevelMeter is fed every accepted frame while a session is active.
type LevelMeter interface {
	Observe(samples []float32) float64
	Reset()
}

// SessionState is the lifecycle state of a capture session
type SessionState int

const (
	SessionClosed SessionState = iota
	SessionActive
	SessionDraining
)

func (s SessionState) String() string {
	switch s {
	case SessionClosed:
		return "closed"
	case SessionActive:
		return "active"
	case SessionDraining:
		return "draining"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Recording is the result of a completed capture.
type Recording struct {
	Samples    []float32
	SampleRate int
	Chunks     int
	StartedAt  time.Time
	Duration   time.Duration
}

// SessionStats represents capture statistics for monitoring
type SessionStats struct {
	State          string      `json:"state"`
	Buffer         BufferStats `json:"buffer"`
	Sessions       uint64      `json:"sessions"`
	DroppedFrames  uint64      `json:"dropped_frames"`
	ReleaseErrors  uint64      `json:"release_errors"`
	LastReleasedAt time.Time   `json:"last_released_at"`
}

// Session owns the capture device between Start and Stop or Cancel. At most
// one device handle is held at a time and it is released on every exit path.
type Session struct {
	capturer Capturer
	meter    LevelMeter
	logger   *slog.Logger

	mu         sync.Mutex
	state      SessionState
	handle     CaptureHandle
	buffer     *ChunkBuffer
	startTime  time.Time
	generation uint64
	acquiring  bool

	sessions      uint64
	droppedFrames uint64
	releaseErrors uint64
	lastReleased  time.Time
}

// NewSession creates a closed session. meter may be nil.
func NewSession(capturer Capturer, meter LevelMeter, logger *slog.Logger) *Session {
	return &Session{
		capturer: capturer,
		meter:    meter,
		logger:   logger,
		buffer:   NewChunkBuffer(0),
	}
}

// Start acquires the capture device and begins accumulating frames. It is a
// no-op while the session is already active. A failed acquisition returns a
// permission error and leaves no handle behind.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case SessionActive:
		s.mu.Unlock()
		return nil
	case SessionDraining:
		s.mu.Unlock()
		return apperrors.Capture("previous capture is still stopping", nil)
	}
	if s.acquiring {
		s.mu.Unlock()
		return apperrors.Capture("capture device acquisition in progress", nil)
	}
	s.acquiring = true
	s.mu.Unlock()

	handle, err := s.capturer.AcquireCapture(ctx)

	s.mu.Lock()
	s.acquiring = false
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("Capture device acquisition failed", slog.String("error", err.Error()))
		if errors.Is(err, apperrors.ErrPermission) {
			return err
		}
		return apperrors.Permission("microphone access denied", err)
	}

	s.handle = handle
	s.state = SessionActive
	s.startTime = time.Now()
	s.buffer.Reset(0)
	s.generation++
	s.sessions++
	gen := s.generation
	s.mu.Unlock()

	if s.meter != nil {
		s.meter.Reset()
	}

	handle.OnFrame(func(samples []float32, sampleRate int) {
		s.onFrame(gen, samples, sampleRate)
	})

	s.logger.Debug("Capture session started", slog.Uint64("session", gen))
	return nil
}

func (s *Session) onFrame(gen uint64, samples []float32, sampleRate int) {
	s.mu.Lock()
	if gen != s.generation || s.state != SessionActive {
		s.droppedFrames++
		s.mu.Unlock()
		return
	}

	if sampleRate <= 0 {
		s.droppedFrames++
		s.mu.Unlock()
		return
	}

	switch current := s.buffer.SampleRate(); {
	case current == 0:
		s.buffer.SetSampleRate(sampleRate)
	case current != sampleRate:
		s.droppedFrames++
		s.mu.Unlock()
		s.logger.Warn("Dropping frame with mismatched sample rate",
			slog.Int("expected", current),
			slog.Int("got", sampleRate),
		)
		return
	}

	s.buffer.Append(samples)
	s.mu.Unlock()

	if s.meter != nil {
		s.meter.Observe(samples)
	}
}

// Stop ends the capture and returns everything recorded. The device handle
// is released before Stop returns, including when nothing was captured.
func (s *Session) Stop() (Recording, error) {
	s.mu.Lock()
	if s.state != SessionActive {
		state := s.state
		s.mu.Unlock()
		return Recording{}, apperrors.Capture(fmt.Sprintf("capture is not active (%s)", state), nil)
	}
	s.state = SessionDraining
	handle := s.handle
	s.mu.Unlock()

	defer s.release(handle)

	s.mu.Lock()
	rec := Recording{
		Samples:    s.buffer.Flatten(),
		SampleRate: s.buffer.SampleRate(),
		Chunks:     s.buffer.Chunks(),
		StartedAt:  s.startTime,
		Duration:   s.buffer.Duration(),
	}
	s.buffer.Reset(0)
	s.mu.Unlock()

	if rec.Chunks == 0 || len(rec.Samples) == 0 {
		s.logger.Warn("Capture stopped with no audio")
		return Recording{}, apperrors.Capture("no audio captured", nil)
	}

	s.logger.Info("Capture session stopped",
		slog.Int("samples", len(rec.Samples)),
		slog.Int("chunks", rec.Chunks),
		slog.Int("sample_rate", rec.SampleRate),
		slog.Duration("duration", rec.Duration),
	)

	return rec, nil
}

// Cancel discards any recorded audio and releases the device. Cancelling a
// closed session is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state != SessionActive {
		s.mu.Unlock()
		return
	}
	s.state = SessionDraining
	handle := s.handle
	discarded := s.buffer.Len()
	s.buffer.Reset(0)
	s.mu.Unlock()

	s.release(handle)

	s.logger.Info("Capture session cancelled", slog.Int("discarded_samples", discarded))
}

func (s *Session) release(handle CaptureHandle) {
	var err error
	if handle != nil {
		err = handle.Release()
	}

	s.mu.Lock()
	s.handle = nil
	s.state = SessionClosed
	s.lastReleased = time.Now()
	if err != nil {
		s.releaseErrors++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Failed to release capture device", slog.String("error", err.Error()))
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether frames are being accumulated.
func (s *Session) Active() bool {
	return s.State() == SessionActive
}

// Elapsed returns how long the current capture has been running.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionActive {
		return 0
	}
	return time.Since(s.startTime)
}

// GetStats returns current capture statistics
func (s *Session) GetStats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionStats{
		State:          s.state.String(),
		Buffer:         s.buffer.GetStats(),
		Sessions:       s.sessions,
		DroppedFrames:  s.droppedFrames,
		ReleaseErrors:  s.releaseErrors,
		LastReleasedAt: s.lastReleased,
	}
}
