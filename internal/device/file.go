package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Manikeshmk/Arm-challenge/internal/apperrors"
	"github.com/Manikeshmk/Arm-challenge/internal/audio"
)

// FileCapturer replays a WAV file as if it came from a microphone.
type FileCapturer struct {
	path      string
	frameSize int
	realtime  bool
	logger    *slog.Logger

	mu     sync.Mutex
	active *fileHandle
}

// NewFileCapturer creates a capturer reading path. Frames of frameSize
// samples are delivered at the recording's pace when realtime is set, and
// back to back otherwise.
func NewFileCapturer(path string, frameSize int, realtime bool, logger *slog.Logger) *FileCapturer {
	if frameSize <= 0 {
		frameSize = 4096
	}
	return &FileCapturer{
		path:      path,
		frameSize: frameSize,
		realtime:  realtime,
		logger:    logger,
	}
}

// AcquireCapture opens the file. An unreadable file is reported the same way
// as a microphone the user refused access to.
func (c *FileCapturer) AcquireCapture(ctx context.Context) (audio.CaptureHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Permission("capture acquisition cancelled", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, apperrors.Capture("capture device busy", nil)
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, apperrors.Permission(fmt.Sprintf("cannot open input %s", filepath.Base(c.path)), err)
	}

	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, apperrors.Capture("input file is not a usable WAV recording", err)
	}

	h := &fileHandle{
		owner:     c,
		samples:   samples,
		rate:      rate,
		frameSize: c.frameSize,
		realtime:  c.realtime,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.active = h

	c.logger.Debug("File capture acquired",
		slog.String("path", c.path),
		slog.Int("samples", len(samples)),
		slog.Int("sample_rate", rate),
	)
	return h, nil
}

type fileHandle struct {
	owner     *FileCapturer
	samples   []float32
	rate      int
	frameSize int
	realtime  bool

	once     sync.Once
	released sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// OnFrame starts delivery. Only the first callback is used.
func (h *fileHandle) OnFrame(fn audio.FrameFunc) {
	h.once.Do(func() {
		go h.run(fn)
	})
}

func (h *fileHandle) run(fn audio.FrameFunc) {
	defer close(h.done)

	interval := time.Duration(int64(h.frameSize) * int64(time.Second) / int64(h.rate))
	var ticker *time.Ticker
	if h.realtime {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	for start := 0; start < len(h.samples); start += h.frameSize {
		end := start + h.frameSize
		if end > len(h.samples) {
			end = len(h.samples)
		}

		select {
		case <-h.stop:
			return
		default:
		}

		fn(h.samples[start:end], h.rate)

		if ticker != nil {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
			}
		}
	}
}

// Release stops delivery and waits for the delivery goroutine to exit.
func (h *fileHandle) Release() error {
	h.released.Do(func() {
		close(h.stop)
		h.once.Do(func() { close(h.done) })
		<-h.done

		h.owner.mu.Lock()
		if h.owner.active == h {
			h.owner.active = nil
		}
		h.owner.mu.Unlock()
	})
	return nil
}

// FilePlayer writes each played utterance to a WAV file instead of a speaker.
type FilePlayer struct {
	path     string
	realtime bool
	logger   *slog.Logger

	mu     sync.Mutex
	played int
}

// NewFilePlayer creates a player writing to path. With realtime set,
// playback completes after the utterance's duration.
func NewFilePlayer(path string, realtime bool, logger *slog.Logger) *FilePlayer {
	return &FilePlayer{path: path, realtime: realtime, logger: logger}
}

// Play overwrites the output file with samples.
func (p *FilePlayer) Play(ctx context.Context, samples []float32, sampleRate int) (audio.Playback, error) {
	wav, err := audio.EncodeWAV(samples, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode playback: %w", err)
	}

	if dir := filepath.Dir(p.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(p.path, wav, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.played++
	p.mu.Unlock()

	p.logger.Info("Utterance written",
		slog.String("path", p.path),
		slog.Int("samples", len(samples)),
		slog.Int("sample_rate", sampleRate),
	)

	playback := audio.NewDonePlayback()
	if !p.realtime {
		playback.Finish(nil)
		return playback, nil
	}

	length := time.Duration(int64(len(samples)) * int64(time.Second) / int64(sampleRate))
	go func() {
		timer := time.NewTimer(length)
		defer timer.Stop()
		select {
		case <-timer.C:
			playback.Finish(nil)
		case <-ctx.Done():
			playback.Finish(ctx.Err())
		}
	}()
	return playback, nil
}

// Played returns how many utterances were written.
func (p *FilePlayer) Played() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}
