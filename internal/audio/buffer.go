package audio

import (
	"math"
	"sync"
	"time"
)

// ChunkBuffer accumulates captured frames in arrival order. Each appended
// frame is copied, since capture devices reuse their frame buffers.
type ChunkBuffer struct {
	sampleRate int

	chunks  [][]float32
	samples int
	peak    float32

	lastUpdate time.Time

	mu sync.RWMutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Chunks          int     `json:"chunks"`
	Samples         int     `json:"samples"`
	SampleRate      int     `json:"sample_rate"`
	DurationSeconds float64 `json:"duration_seconds"`
	Peak            float32 `json:"peak"`
}

// NewChunkBuffer creates an empty buffer for audio at sampleRate.
func NewChunkBuffer(sampleRate int) *ChunkBuffer {
	return &ChunkBuffer{
		sampleRate: sampleRate,
		chunks:     make([][]float32, 0, 64),
	}
}

// Append copies a frame onto the end of the buffer. Empty frames are ignored.
func (b *ChunkBuffer) Append(frame []float32) {
	if len(frame) == 0 {
		return
	}

	chunk := make([]float32, len(frame))
	copy(chunk, frame)

	var peak float32
	for _, s := range chunk {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.samples += len(chunk)
	if peak > b.peak {
		b.peak = peak
	}
	b.lastUpdate = time.Now()
}

// Flatten returns all samples concatenated in arrival order.
func (b *ChunkBuffer) Flatten() []float32 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]float32, 0, b.samples)
	for _, chunk := range b.chunks {
		out = append(out, chunk...)
	}
	return out
}

// Reset drops all chunks and sets the sample rate for the next recording.
func (b *ChunkBuffer) Reset(sampleRate int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sampleRate = sampleRate
	b.chunks = b.chunks[:0]
	b.samples = 0
	b.peak = 0
}

// SetSampleRate records the rate of the frames being accumulated.
func (b *ChunkBuffer) SetSampleRate(sampleRate int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sampleRate = sampleRate
}

// SampleRate returns the rate of the accumulated frames.
func (b *ChunkBuffer) SampleRate() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sampleRate
}

// Len returns the number of samples in the buffer.
func (b *ChunkBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.samples
}

// Chunks returns the number of frames appended.
func (b *ChunkBuffer) Chunks() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Duration returns the length of the buffered audio.
func (b *ChunkBuffer) Duration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.durationLocked()
}

// GetLastUpdate returns the time of the last append
func (b *ChunkBuffer) GetLastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// GetStats returns current buffer statistics
func (b *ChunkBuffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BufferStats{
		Chunks:          len(b.chunks),
		Samples:         b.samples,
		SampleRate:      b.sampleRate,
		DurationSeconds: b.durationLocked().Seconds(),
		Peak:            b.peak,
	}
}

func (b *ChunkBuffer) durationLocked() time.Duration {
	if b.sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(b.samples) / float64(b.sampleRate) * float64(time.Second))
}
