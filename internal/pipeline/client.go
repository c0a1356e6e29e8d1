package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Manikeshmk/Arm-challenge/internal/apperrors"
	"github.com/Manikeshmk/Arm-challenge/internal/config"
	"github.com/Manikeshmk/Arm-challenge/internal/engine"
	"github.com/Manikeshmk/Arm-challenge/internal/metrics"
	"github.com/Manikeshmk/Arm-challenge/internal/protocol"
)

// NoSpeechMessage is reported when the transcript is empty.
const NoSpeechMessage = "no speech detected"

// blankMarkers are transcripts recognizers produce for silence.
var blankMarkers = []string{engine.BlankAudioMarker, "[silence]", "(silence)"}

// Request is one utterance ready for inference.
type Request struct {
	Audio      []float32
	SampleRate int
}

// NewRequest copies samples into a request. The pipeline only accepts
// audio at config.PipelineSampleRate.
func NewRequest(samples []float32, sampleRate int) (Request, error) {
	if sampleRate != config.PipelineSampleRate {
		return Request{}, fmt.Errorf("sample rate must be %d, got %d", config.PipelineSampleRate, sampleRate)
	}
	if len(samples) == 0 {
		return Request{}, fmt.Errorf("request has no audio")
	}

	audio := make([]float32, len(samples))
	copy(audio, samples)
	return Request{Audio: audio, SampleRate: sampleRate}, nil
}

// Duration returns the length of the request audio.
func (r Request) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(len(r.Audio)) * int64(time.Second) / int64(r.SampleRate))
}

// ClientConfig contains pipeline client configuration
type ClientConfig struct {
	// StageTimeout bounds each engine call. Zero means no limit.
	StageTimeout time.Duration
	// MinTranscriptLength is the number of characters below which a
	// transcript counts as no speech.
	MinTranscriptLength int
}

// Client dispatches requests to the engine. Only one run may be in flight.
type Client struct {
	engine  engine.Engine
	config  ClientConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	inFlight bool

	// Statistics
	runs      uint64
	completed uint64
	failed    uint64
	rejected  uint64
	lastRun   time.Duration
}

// ClientStats represents pipeline statistics for monitoring
type ClientStats struct {
	InFlight        bool          `json:"in_flight"`
	Runs            uint64        `json:"runs"`
	Completed       uint64        `json:"completed"`
	Failed          uint64        `json:"failed"`
	Rejected        uint64        `json:"rejected"`
	LastRunDuration time.Duration `json:"last_run_duration"`
}

// NewClient creates a pipeline client. m may be nil.
func NewClient(eng engine.Engine, config ClientConfig, logger *slog.Logger, m *metrics.Metrics) *Client {
	if config.MinTranscriptLength <= 0 {
		config.MinTranscriptLength = 2
	}

	return &Client{
		engine:  eng,
		config:  config,
		logger:  logger,
		metrics: m,
	}
}

// Send starts a run and returns its events. The channel yields the stage
// events in order and is closed after the terminal event. Send fails with a
// concurrency error while another run is in flight.
//
// The run is detached from ctx cancellation: once dispatched it always runs
// to a terminal event. ctx values are kept.
func (c *Client) Send(ctx context.Context, req Request) (<-chan protocol.Event, error) {
	if req.SampleRate != config.PipelineSampleRate || len(req.Audio) == 0 {
		return nil, fmt.Errorf("invalid request: %d samples at %d Hz", len(req.Audio), req.SampleRate)
	}

	c.mu.Lock()
	if c.inFlight {
		c.rejected++
		c.mu.Unlock()
		c.metrics.RecordConcurrencyRejected()
		return nil, apperrors.Concurrency("a translation is already in progress")
	}
	c.inFlight = true
	c.runs++
	c.mu.Unlock()

	audio := make([]float32, len(req.Audio))
	copy(audio, req.Audio)
	req.Audio = audio

	// Every run emits at most six events, so sends never block and the
	// in-flight slot is released only after the terminal event is queued.
	events := make(chan protocol.Event, 8)

	c.metrics.RecordRunStarted()
	go c.run(context.WithoutCancel(ctx), req, events)

	return events, nil
}

// InFlight reports whether a run is in progress.
func (c *Client) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Client) run(ctx context.Context, req Request, out chan<- protocol.Event) {
	defer close(out)

	startTime := time.Now()
	current := protocol.StageTranscribe
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Engine panicked",
				slog.String("stage", current.String()),
				slog.Any("panic", r),
			)
			c.fail(out, current, fmt.Errorf("engine panic: %v", r), startTime)
		}
	}()

	c.logger.Debug("Pipeline run started",
		slog.Int("samples", len(req.Audio)),
		slog.Duration("audio", req.Duration()),
	)

	out <- protocol.StageStarted{Stage: protocol.StageTranscribe}
	transcript, err := stage(ctx, c, protocol.StageTranscribe, func(ctx context.Context) (string, error) {
		return c.engine.Transcribe(ctx, req.Audio, req.SampleRate)
	})
	if err != nil {
		c.fail(out, protocol.StageTranscribe, err, startTime)
		return
	}

	transcript = strings.TrimSpace(transcript)
	if c.isBlank(transcript) {
		c.logger.Info("No speech detected", slog.String("transcript", transcript))
		c.fail(out, protocol.StageTranscribe, apperrors.Inference(protocol.StageTranscribe.String(), NoSpeechMessage, nil), startTime)
		return
	}
	out <- protocol.StageResult{Stage: protocol.StageTranscribe, Text: transcript}

	current = protocol.StageTranslate
	out <- protocol.StageStarted{Stage: protocol.StageTranslate}
	translation, err := stage(ctx, c, protocol.StageTranslate, func(ctx context.Context) (string, error) {
		return c.engine.Translate(ctx, transcript)
	})
	if err != nil {
		c.fail(out, protocol.StageTranslate, err, startTime)
		return
	}
	translation = strings.TrimSpace(translation)
	out <- protocol.StageResult{Stage: protocol.StageTranslate, Text: translation}

	current = protocol.StageSynthesize
	out <- protocol.StageStarted{Stage: protocol.StageSynthesize}
	speech, err := stage(ctx, c, protocol.StageSynthesize, func(ctx context.Context) (engine.Speech, error) {
		speech, err := c.engine.Synthesize(ctx, translation)
		if err == nil && (len(speech.Samples) == 0 || speech.SampleRate <= 0) {
			err = fmt.Errorf("synthesizer returned no audio")
		}
		return speech, err
	})
	if err != nil {
		c.fail(out, protocol.StageSynthesize, err, startTime)
		return
	}

	out <- protocol.StageResult{
		Stage:      protocol.StageSynthesize,
		Audio:      speech.Samples,
		SampleRate: speech.SampleRate,
	}
	c.finish(true, startTime)
	c.metrics.RecordRunCompleted("success")
	c.logger.Info("Pipeline run completed",
		slog.String("transcript", transcript),
		slog.String("translation", translation),
		slog.Duration("duration", time.Since(startTime)),
	)
}

// stage runs one engine call under the stage timeout and records its duration.
func stage[T any](ctx context.Context, c *Client, s protocol.Stage, call func(context.Context) (T, error)) (T, error) {
	if c.config.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.StageTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := call(ctx)
	c.metrics.RecordStage(s.String(), time.Since(start).Seconds())
	return result, err
}

// fail emits the terminal error event, then releases the in-flight slot.
func (c *Client) fail(out chan<- protocol.Event, s protocol.Stage, err error, startTime time.Time) {
	appErr := toInferenceError(s, err)

	out <- protocol.PipelineError{Stage: s, Message: appErr.Message, Err: appErr}

	c.finish(false, startTime)
	if appErr.Message == NoSpeechMessage {
		c.metrics.RecordRunCompleted("empty")
	} else {
		c.metrics.RecordRunCompleted("error")
	}
	c.metrics.RecordStageFailure(s.String(), apperrors.KindName(appErr))

	c.logger.Warn("Pipeline stage failed",
		slog.String("stage", s.String()),
		slog.String("error", appErr.Error()),
	)
}

func toInferenceError(s protocol.Stage, err error) *apperrors.Error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}

	message := fmt.Sprintf("%s failed: %v", s, err)
	if errors.Is(err, context.DeadlineExceeded) {
		message = fmt.Sprintf("%s timed out", s)
	}
	return apperrors.Inference(s.String(), message, err)
}

func (c *Client) finish(ok bool, startTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight = false
	c.lastRun = time.Since(startTime)
	if ok {
		c.completed++
	} else {
		c.failed++
	}
}

func (c *Client) isBlank(transcript string) bool {
	for _, marker := range blankMarkers {
		if strings.EqualFold(transcript, marker) {
			return true
		}
	}
	return utf8.RuneCountInString(transcript) < c.config.MinTranscriptLength
}

// GetStats returns current pipeline statistics
func (c *Client) GetStats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ClientStats{
		InFlight:        c.inFlight,
		Runs:            c.runs,
		Completed:       c.completed,
		Failed:          c.failed,
		Rejected:        c.rejected,
		LastRunDuration: c.lastRun,
	}
}
