package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineSampleRate is the only sample rate the inference pipeline accepts.
const PipelineSampleRate = 16000

// Config represents the complete translator configuration
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Audio    AudioConfig    `yaml:"audio"`
	Progress ProgressConfig `yaml:"progress"`
	Assets   AssetsConfig   `yaml:"assets"`
	Engine   EngineConfig   `yaml:"engine"`
	History  HistoryConfig  `yaml:"history"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HTTPConfig contains HTTP control surface configuration
type HTTPConfig struct {
	Port        int    `yaml:"port"`
	Address     string `yaml:"address"`
	Enabled     bool   `yaml:"enabled"`
	EventBuffer int    `yaml:"event_buffer"` // messages queued per websocket subscriber
}

// AudioConfig contains capture and playback parameters
type AudioConfig struct {
	CaptureSampleRate  int     `yaml:"capture_sample_rate"`
	PipelineSampleRate int     `yaml:"pipeline_sample_rate"`
	OutputSampleRate   int     `yaml:"output_sample_rate"`
	FramesPerBuffer    int     `yaml:"frames_per_buffer"`
	InputFile          string  `yaml:"input_file"`  // replaces the microphone when set
	OutputFile         string  `yaml:"output_file"` // replaces the speaker when set
	MeterThreshold     float64 `yaml:"meter_threshold"`
}

// ProgressConfig controls when a load ETA is shown
type ProgressConfig struct {
	MinElapsedSeconds        float64 `yaml:"min_elapsed_seconds"`
	MinPercent               float64 `yaml:"min_percent"`
	FinalizingEpsilonSeconds float64 `yaml:"finalizing_epsilon_seconds"`
}

// AssetConfig describes one model asset and its share of the load
type AssetConfig struct {
	ID     string  `yaml:"id"`
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

// AssetsConfig lists the model assets loaded at startup
type AssetsConfig struct {
	Models      []AssetConfig `yaml:"models"`
	MaxParallel int           `yaml:"max_parallel"`
}

// EngineConfig contains inference engine configuration
type EngineConfig struct {
	Kind                string `yaml:"kind"` // http or stub
	Endpoint            string `yaml:"endpoint"`
	Timeout             int    `yaml:"timeout"`      // seconds, per request
	LoadTimeout         int    `yaml:"load_timeout"` // seconds, per model
	MinTranscriptLength int    `yaml:"min_transcript_length"`
	SourceLanguage      string `yaml:"source_language"`
	TargetLanguage      string `yaml:"target_language"`
}

// HistoryConfig controls the run journal
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration suitable for running against the stub engine.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:        8088,
			Address:     "127.0.0.1",
			Enabled:     true,
			EventBuffer: 64,
		},
		Audio: AudioConfig{
			CaptureSampleRate:  48000,
			PipelineSampleRate: PipelineSampleRate,
			OutputSampleRate:   PipelineSampleRate,
			FramesPerBuffer:    4096,
			MeterThreshold:     0.02,
		},
		Progress: ProgressConfig{
			MinElapsedSeconds:        3,
			MinPercent:               2,
			FinalizingEpsilonSeconds: 0.5,
		},
		Assets: AssetsConfig{
			Models: []AssetConfig{
				{ID: "whisper", Name: "Xenova/whisper-tiny.en", Weight: 40},
				{ID: "marian", Name: "Xenova/opus-mt-en-es", Weight: 75},
				{ID: "tts", Name: "Xenova/speecht5_tts", Weight: 150},
			},
			MaxParallel: 1,
		},
		Engine: EngineConfig{
			Kind:                "stub",
			Endpoint:            "http://127.0.0.1:8089",
			Timeout:             30,
			LoadTimeout:         600,
			MinTranscriptLength: 2,
			SourceLanguage:      "en",
			TargetLanguage:      "es",
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    "runs.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Fields missing from the
// file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Progress.Validate(); err != nil {
		return fmt.Errorf("progress config: %w", err)
	}

	if err := c.Assets.Validate(); err != nil {
		return fmt.Errorf("assets config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}

		if h.EventBuffer < 1 {
			return fmt.Errorf("event_buffer must be at least 1, got %d", h.EventBuffer)
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.CaptureSampleRate < 8000 || a.CaptureSampleRate > 192000 {
		return fmt.Errorf("capture_sample_rate must be between 8000 and 192000 Hz, got %d", a.CaptureSampleRate)
	}

	if a.PipelineSampleRate != PipelineSampleRate {
		return fmt.Errorf("pipeline_sample_rate must be %d Hz, got %d", PipelineSampleRate, a.PipelineSampleRate)
	}

	if a.OutputSampleRate < 8000 || a.OutputSampleRate > 192000 {
		return fmt.Errorf("output_sample_rate must be between 8000 and 192000 Hz, got %d", a.OutputSampleRate)
	}

	if a.FramesPerBuffer < 64 || a.FramesPerBuffer > 65536 {
		return fmt.Errorf("frames_per_buffer must be between 64 and 65536, got %d", a.FramesPerBuffer)
	}

	if a.MeterThreshold < 0 || a.MeterThreshold > 1 {
		return fmt.Errorf("meter_threshold must be between 0 and 1, got %f", a.MeterThreshold)
	}

	return nil
}

// Validate validates progress configuration
func (p *ProgressConfig) Validate() error {
	if p.MinElapsedSeconds < 0 {
		return fmt.Errorf("min_elapsed_seconds cannot be negative, got %f", p.MinElapsedSeconds)
	}

	if p.MinPercent < 0 || p.MinPercent >= 100 {
		return fmt.Errorf("min_percent must be between 0 and 100 (exclusive), got %f", p.MinPercent)
	}

	if p.FinalizingEpsilonSeconds < 0 {
		return fmt.Errorf("finalizing_epsilon_seconds cannot be negative, got %f", p.FinalizingEpsilonSeconds)
	}

	return nil
}

// Validate validates the asset list
func (a *AssetsConfig) Validate() error {
	if len(a.Models) == 0 {
		return fmt.Errorf("at least one model asset is required")
	}

	seen := make(map[string]bool, len(a.Models))
	for i, m := range a.Models {
		if m.ID == "" {
			return fmt.Errorf("models[%d]: id cannot be empty", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("models[%d]: duplicate id '%s'", i, m.ID)
		}
		seen[m.ID] = true

		if m.Weight <= 0 {
			return fmt.Errorf("models[%d]: weight must be positive, got %f", i, m.Weight)
		}
	}

	if a.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be at least 1, got %d", a.MaxParallel)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	validKinds := map[string]bool{"http": true, "stub": true}
	if !validKinds[e.Kind] {
		return fmt.Errorf("kind must be 'http' or 'stub', got '%s'", e.Kind)
	}

	if e.Kind == "http" && e.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty for the http engine")
	}

	if e.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
	}

	if e.LoadTimeout < 1 {
		return fmt.Errorf("load_timeout must be at least 1 second, got %d", e.LoadTimeout)
	}

	if e.MinTranscriptLength < 1 {
		return fmt.Errorf("min_transcript_length must be at least 1, got %d", e.MinTranscriptLength)
	}

	if e.SourceLanguage == "" || e.TargetLanguage == "" {
		return fmt.Errorf("source_language and target_language cannot be empty")
	}

	return nil
}

// Validate validates history configuration
func (h *HistoryConfig) Validate() error {
	if h.Enabled && h.Path == "" {
		return fmt.Errorf("path cannot be empty when history is enabled")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path.
	return nil
}

// GetTimeoutDuration returns the per-request engine timeout as a time.Duration
func (e *EngineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// GetLoadTimeoutDuration returns the per-model load timeout as a time.Duration
func (e *EngineConfig) GetLoadTimeoutDuration() time.Duration {
	return time.Duration(e.LoadTimeout) * time.Second
}

// GetMinElapsed returns the minimum elapsed time before an ETA is shown
func (p *ProgressConfig) GetMinElapsed() time.Duration {
	return time.Duration(p.MinElapsedSeconds * float64(time.Second))
}

// GetFinalizingEpsilon returns the remaining time at or below which loading reads as finalizing
func (p *ProgressConfig) GetFinalizingEpsilon() time.Duration {
	return time.Duration(p.FinalizingEpsilonSeconds * float64(time.Second))
}
