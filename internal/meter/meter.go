package meter

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Meter tracks the smoothed RMS level of captured audio
type Meter struct {
	threshold float64
	smoothing float64 // weight of the newest frame

	level     float64
	peak      float64
	hasVoice  bool
	lastFrame time.Time

	totalFrames uint64
	voiceFrames uint64

	mu sync.RWMutex
}

// Reading represents the meter state after a frame
type Reading struct {
	Level    float64   `json:"level"`     // smoothed RMS, 0.0 - 1.0
	Peak     float64   `json:"peak"`      // highest absolute sample since reset
	HasVoice bool      `json:"has_voice"` // level at or above threshold
	At       time.Time `json:"at"`
}

// Stats represents meter statistics
type Stats struct {
	TotalFrames     uint64    `json:"total_frames"`
	VoiceFrames     uint64    `json:"voice_frames"`
	VoicePercentage float64   `json:"voice_percentage"`
	Threshold       float64   `json:"threshold"`
	LastFrame       time.Time `json:"last_frame"`
}

// New creates a meter. threshold is the RMS level treated as voice and
// smoothing the weight given to each new frame, both in [0, 1].
func New(threshold, smoothing float64) (*Meter, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if smoothing <= 0 || smoothing > 1 {
		return nil, fmt.Errorf("smoothing must be in (0, 1], got %f", smoothing)
	}

	return &Meter{
		threshold: threshold,
		smoothing: smoothing,
	}, nil
}

// Observe folds a frame into the meter and returns the smoothed level.
func (m *Meter) Observe(samples []float32) float64 {
	if len(samples) == 0 {
		return m.Level()
	}

	var energy, peak float64
	for _, s := range samples {
		v := float64(s)
		energy += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	rms := math.Sqrt(energy / float64(len(samples)))
	if rms > 1 {
		rms = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.totalFrames == 0 {
		m.level = rms
	} else {
		m.level = m.smoothing*rms + (1-m.smoothing)*m.level
	}

	if peak > m.peak {
		m.peak = peak
	}

	m.hasVoice = m.level >= m.threshold
	m.totalFrames++
	if m.hasVoice {
		m.voiceFrames++
	}
	m.lastFrame = time.Now()

	return m.level
}

// Level returns the current smoothed level.
func (m *Meter) Level() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// Reading returns the current meter state.
func (m *Meter) Reading() Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Reading{
		Level:    m.level,
		Peak:     m.peak,
		HasVoice: m.hasVoice,
		At:       m.lastFrame,
	}
}

// GetStats returns current meter statistics
func (m *Meter) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	voicePercentage := float64(0)
	if m.totalFrames > 0 {
		voicePercentage = float64(m.voiceFrames) / float64(m.totalFrames) * 100
	}

	return Stats{
		TotalFrames:     m.totalFrames,
		VoiceFrames:     m.voiceFrames,
		VoicePercentage: voicePercentage,
		Threshold:       m.threshold,
		LastFrame:       m.lastFrame,
	}
}

// UpdateThreshold updates the voice threshold
func (m *Meter) UpdateThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.threshold = threshold
	return nil
}

// Reset clears the level and statistics
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.level = 0
	m.peak = 0
	m.hasVoice = false
	m.totalFrames = 0
	m.voiceFrames = 0
	m.lastFrame = time.Time{}
}
