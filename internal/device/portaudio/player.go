package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/Manikeshmk/Arm-challenge/internal/audio"
)

// Play opens an output stream for one utterance. Audio at another rate is
// resampled to the configured output rate first. The stream is closed when
// the utterance ends or ctx is cancelled.
func (h *Host) Play(ctx context.Context, samples []float32, sampleRate int) (audio.Playback, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("nothing to play")
	}

	rate := h.config.OutputSampleRate
	if sampleRate != rate {
		resampled, err := audio.Resample(samples, sampleRate, rate)
		if err != nil {
			return nil, fmt.Errorf("failed to resample playback: %w", err)
		}
		samples = resampled
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("audio host is closed")
	}
	h.playing++
	h.mu.Unlock()

	src := &source{samples: samples, finished: make(chan struct{})}

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), h.config.FramesPerBuffer, src.process)
	if err != nil {
		h.donePlaying()
		return nil, fmt.Errorf("failed to open speaker: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		h.donePlaying()
		return nil, fmt.Errorf("failed to start speaker: %w", err)
	}

	playback := audio.NewDonePlayback()
	go func() {
		defer h.donePlaying()

		var result error
		select {
		case <-src.finished:
		case <-ctx.Done():
			result = ctx.Err()
		}

		if err := stream.Stop(); err != nil && result == nil {
			result = fmt.Errorf("failed to stop speaker: %w", err)
		}
		if err := stream.Close(); err != nil && result == nil {
			result = fmt.Errorf("failed to close speaker: %w", err)
		}

		h.logger.Debug("Playback finished", slog.Int("samples", len(samples)))
		playback.Finish(result)
	}()

	return playback, nil
}

func (h *Host) donePlaying() {
	h.mu.Lock()
	h.playing--
	h.mu.Unlock()
}

// source feeds an utterance to the output callback and pads with silence
// once it runs out.
type source struct {
	samples []float32
	pos     int

	once     sync.Once
	finished chan struct{}
}

// process runs on the audio thread.
func (s *source) process(out []float32) {
	n := copy(out, s.samples[s.pos:])
	s.pos += n
	for i := n; i < len(out); i++ {
		out[i] = 0
	}

	if s.pos >= len(s.samples) {
		s.once.Do(func() { close(s.finished) })
	}
}
