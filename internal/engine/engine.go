package engine

import (
	"context"
	"fmt"
	"time"
)

// ProgressFunc receives load progress for one model. percent is in [0,100]
// and file names the artifact currently being fetched, if known.
type ProgressFunc func(percent float64, file string)

// Engine runs neural inference. Implementations must be safe for concurrent use.
type Engine interface {
	LoadModel(ctx context.Context, modelID string, progress ProgressFunc) error
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)
	Translate(ctx context.Context, text string) (string, error)
	Synthesize(ctx context.Context, text string) (Speech, error)
}

// Speech is synthesized audio.
type Speech struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the speech.
func (s Speech) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(len(s.Samples)) * int64(time.Second) / int64(s.SampleRate))
}

// Stats represents engine request statistics
type Stats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
	LoadedModels    []string      `json:"loaded_models"`
}

// StatusError is returned when the inference server answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Body)
}
