package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the translator
type Metrics struct {
	// Pipeline metrics
	RunsStarted          prometheus.Counter
	RunsCompleted        *prometheus.CounterVec
	StageDuration        *prometheus.HistogramVec
	StageFailures        *prometheus.CounterVec
	ConcurrencyRejected  prometheus.Counter
	EmptyTranscripts     prometheus.Counter

	// Capture metrics
	CaptureDuration prometheus.Histogram
	CaptureSamples  prometheus.Histogram
	DroppedFrames   prometheus.Counter
	InputLevel      prometheus.Gauge

	// Model loading metrics
	AssetProgress   *prometheus.GaugeVec
	OverallProgress prometheus.Gauge
	LoadFailures    *prometheus.CounterVec

	// Event bus metrics
	EventsPublished    prometheus.Counter
	SubscribersDropped prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// creates unregistered collectors, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_runs_started_total",
			Help: "Total number of pipeline runs dispatched",
		}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "translator_runs_completed_total",
			Help: "Total number of pipeline runs finished, by outcome",
		}, []string{"outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "translator_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "translator_stage_failures_total",
			Help: "Total number of failed stages",
		}, []string{"stage", "kind"}),
		ConcurrencyRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_concurrency_rejections_total",
			Help: "Requests rejected because a run was already in flight",
		}),
		EmptyTranscripts: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_empty_transcripts_total",
			Help: "Runs that stopped because no speech was detected",
		}),

		CaptureDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "translator_capture_duration_seconds",
			Help:    "Length of captured utterances",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to ~32s
		}),
		CaptureSamples: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "translator_capture_samples",
			Help:    "Number of samples in captured utterances",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10),
		}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_capture_dropped_frames_total",
			Help: "Capture frames discarded after stop or with a wrong sample rate",
		}),
		InputLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "translator_input_level",
			Help: "Smoothed RMS level of the microphone",
		}),

		AssetProgress: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "translator_asset_progress_percent",
			Help: "Load progress of each model asset",
		}, []string{"asset"}),
		OverallProgress: factory.NewGauge(prometheus.GaugeOpts{
			Name: "translator_load_progress_percent",
			Help: "Weighted load progress over all model assets",
		}),
		LoadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "translator_load_failures_total",
			Help: "Total number of model assets that failed to load",
		}, []string{"asset"}),

		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_events_published_total",
			Help: "Total number of status messages published",
		}),
		SubscribersDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_event_subscribers_dropped_total",
			Help: "Subscribers dropped because they fell behind",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "translator_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "translator_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "translator_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// The Record methods are safe to call on a nil *Metrics.

// RecordRunStarted increments the dispatched runs counter
func (m *Metrics) RecordRunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
}

// RecordRunCompleted counts a finished run. outcome is "success", "error" or "empty".
func (m *Metrics) RecordRunCompleted(outcome string) {
	if m == nil {
		return
	}
	m.RunsCompleted.WithLabelValues(outcome).Inc()
	if outcome == "empty" {
		m.EmptyTranscripts.Inc()
	}
}

// RecordStage records how long a stage ran
func (m *Metrics) RecordStage(stage string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordStageFailure counts a failed stage by error kind
func (m *Metrics) RecordStageFailure(stage, kind string) {
	if m == nil {
		return
	}
	m.StageFailures.WithLabelValues(stage, kind).Inc()
}

// RecordConcurrencyRejected counts a request refused while busy
func (m *Metrics) RecordConcurrencyRejected() {
	if m == nil {
		return
	}
	m.ConcurrencyRejected.Inc()
}

// RecordCapture records a completed utterance
func (m *Metrics) RecordCapture(durationSeconds float64, samples int, dropped uint64) {
	if m == nil {
		return
	}
	m.CaptureDuration.Observe(durationSeconds)
	m.CaptureSamples.Observe(float64(samples))
	m.DroppedFrames.Add(float64(dropped))
}

// SetInputLevel sets the current microphone level
func (m *Metrics) SetInputLevel(level float64) {
	if m == nil {
		return
	}
	m.InputLevel.Set(level)
}

// SetAssetProgress records progress of one asset and the weighted total
func (m *Metrics) SetAssetProgress(asset string, percent float64, overall int) {
	if m == nil {
		return
	}
	m.AssetProgress.WithLabelValues(asset).Set(percent)
	m.OverallProgress.Set(float64(overall))
}

// RecordLoadFailure counts an asset that failed to load
func (m *Metrics) RecordLoadFailure(asset string) {
	if m == nil {
		return
	}
	m.LoadFailures.WithLabelValues(asset).Inc()
}

// RecordEventPublished increments the published messages counter
func (m *Metrics) RecordEventPublished() {
	if m == nil {
		return
	}
	m.EventsPublished.Inc()
}

// RecordSubscriberDropped counts a slow subscriber being disconnected
func (m *Metrics) RecordSubscriberDropped() {
	if m == nil {
		return
	}
	m.SubscribersDropped.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
