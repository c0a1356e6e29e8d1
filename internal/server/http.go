package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Manikeshmk/Arm-challenge/internal/apperrors"
	"github.com/Manikeshmk/Arm-challenge/internal/config"
	"github.com/Manikeshmk/Arm-challenge/internal/controller"
	"github.com/Manikeshmk/Arm-challenge/internal/events"
	"github.com/Manikeshmk/Arm-challenge/internal/history"
	"github.com/Manikeshmk/Arm-challenge/internal/metrics"
	"github.com/Manikeshmk/Arm-challenge/internal/pipeline"
)

const (
	serviceName    = "arm-translator"
	serviceVersion = "1.0.0"

	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// RunHistory is the read side of the run journal.
type RunHistory interface {
	List(ctx context.Context, limit int) ([]history.Run, error)
	Get(ctx context.Context, id string) (history.Run, error)
	Count(ctx context.Context) (map[history.Outcome]int, error)
}

// StatsFunc returns a JSON encodable statistics block.
type StatsFunc func() interface{}

// Dependencies are the components exposed over HTTP. History, Stats,
// Metrics and Gatherer may be nil.
type Dependencies struct {
	Machine  *controller.Machine
	Loader   *pipeline.Loader
	Bus      *events.Bus
	History  RunHistory
	Stats    map[string]StatsFunc
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// HTTPServer is the local control surface: commands, state, load progress,
// run history and a websocket stream of UI messages.
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	deps     Dependencies
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// Server state
	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port        int    `yaml:"port"`
	Address     string `yaml:"address"`
	Enabled     bool   `yaml:"enabled"`
	EventBuffer int    `yaml:"event_buffer"`
}

// NewHTTPServer creates the HTTP control server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config, deps Dependencies) *HTTPServer {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		deps:      deps,
		metrics:   deps.Metrics,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux, cfg.EventBuffer)
	h.handler = mux

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler, for tests and embedding.
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

func (h *HTTPServer) setupRoutes(mux *http.ServeMux, eventBuffer int) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Controller
	mux.HandleFunc("/state", h.withMetrics("/state", h.handleState))
	mux.HandleFunc("/capture/start", h.withMetrics("/capture/start", h.command((*controller.Machine).Start)))
	mux.HandleFunc("/capture/stop", h.withMetrics("/capture/stop", h.command((*controller.Machine).Stop)))
	mux.HandleFunc("/capture/cancel", h.withMetrics("/capture/cancel", h.command((*controller.Machine).Cancel)))
	mux.HandleFunc("/ack", h.withMetrics("/ack", h.command((*controller.Machine).Acknowledge)))

	// Model loading
	mux.HandleFunc("/progress", h.withMetrics("/progress", h.handleProgress))

	// Run journal
	mux.HandleFunc("/runs", h.withMetrics("/runs", h.handleRuns))
	mux.HandleFunc("/runs/", h.withMetrics("/runs/{id}", h.handleRunDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// UI message stream
	mux.HandleFunc("/events", h.withMetrics("/events", h.handleEvents(eventBuffer)))

	if h.deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, buf, err := hj.Hijack()
	if err == nil {
		rw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{
		"error": apperrors.MessageOf(err),
		"kind":  apperrors.KindName(err),
	})
}

// commandStatus maps a rejected command to an HTTP status.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrConcurrency),
		errors.Is(err, controller.ErrNotCapturing),
		errors.Is(err, controller.ErrNotCancellable),
		errors.Is(err, controller.ErrNothingToAcknowledge):
		return http.StatusConflict
	case errors.Is(err, controller.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// command adapts a machine command to a POST endpoint returning the new state.
func (h *HTTPServer) command(fn func(*controller.Machine, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := fn(h.deps.Machine, r.Context()); err != nil {
			writeError(w, commandStatus(err), err)
			return
		}

		writeJSON(w, http.StatusOK, h.deps.Machine.Snapshot())
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.deps.Machine.Snapshot()
	load := h.deps.Loader.Status()

	status := "healthy"
	switch {
	case load.Error != "":
		status = "degraded"
	case !load.Done:
		status = "loading"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"controller": map[string]interface{}{
				"state":  snap.State,
				"run_id": snap.RunID,
			},
			"models": map[string]interface{}{
				"done":    load.Done,
				"overall": load.Overall,
				"error":   load.Error,
			},
			"events": map[string]interface{}{
				"last_seq":    h.deps.Bus.LastSeq(),
				"subscribers": h.deps.Bus.Subscribers(),
			},
		},
	})
}

// handleState implements the /state endpoint. ?last=1 returns the most
// recent finished run instead.
func (h *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Query().Get("last") != "" {
		last, ok := h.deps.Machine.LastRun()
		if !ok {
			http.Error(w, "No finished run", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, last)
		return
	}

	writeJSON(w, http.StatusOK, h.deps.Machine.Snapshot())
}

// handleProgress implements the /progress endpoint
func (h *HTTPServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.deps.Loader.Status())
}

// handleRuns implements the /runs endpoint
func (h *HTTPServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.deps.History == nil {
		http.Error(w, "Run history is disabled", http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.deps.History.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list runs", slog.String("error", err.Error()))
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}

	counts, err := h.deps.History.Count(r.Context())
	if err != nil {
		h.logger.Error("Failed to count runs", slog.String("error", err.Error()))
		http.Error(w, "Failed to count runs", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_runs": counts[history.OutcomeCompleted] + counts[history.OutcomeFailed],
		"outcomes":   counts,
		"runs":       runs,
	})
}

// handleRunDetail implements the /runs/{id} endpoint
func (h *HTTPServer) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.deps.History == nil {
		http.Error(w, "Run history is disabled", http.StatusNotFound)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/runs/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return
	}

	run, err := h.deps.History.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load run", slog.String("run_id", id), slog.String("error", err.Error()))
		http.Error(w, "Failed to load run", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := h.config
	models := make([]map[string]interface{}, 0, len(c.Assets.Models))
	for _, m := range c.Assets.Models {
		models = append(models, map[string]interface{}{
			"id":     m.ID,
			"name":   m.Name,
			"weight": m.Weight,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"audio": map[string]interface{}{
			"capture_sample_rate":  c.Audio.CaptureSampleRate,
			"pipeline_sample_rate": c.Audio.PipelineSampleRate,
			"output_sample_rate":   c.Audio.OutputSampleRate,
			"frames_per_buffer":    c.Audio.FramesPerBuffer,
			"input_file":           c.Audio.InputFile,
			"output_file":          c.Audio.OutputFile,
			"meter_threshold":      c.Audio.MeterThreshold,
		},
		"progress": map[string]interface{}{
			"min_elapsed_seconds":        c.Progress.MinElapsedSeconds,
			"min_percent":                c.Progress.MinPercent,
			"finalizing_epsilon_seconds": c.Progress.FinalizingEpsilonSeconds,
		},
		"assets": map[string]interface{}{
			"models":       models,
			"max_parallel": c.Assets.MaxParallel,
		},
		"engine": map[string]interface{}{
			"kind":                  c.Engine.Kind,
			"endpoint":              c.Engine.Endpoint,
			"timeout":               c.Engine.Timeout,
			"load_timeout":          c.Engine.LoadTimeout,
			"min_transcript_length": c.Engine.MinTranscriptLength,
			"source_language":       c.Engine.SourceLanguage,
			"target_language":       c.Engine.TargetLanguage,
		},
		"history": map[string]interface{}{
			"enabled": c.History.Enabled,
			"path":    c.History.Path,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"events": map[string]interface{}{
			"last_seq":    h.deps.Bus.LastSeq(),
			"subscribers": h.deps.Bus.Subscribers(),
		},
	}
	for name, fn := range h.deps.Stats {
		stats[name] = fn()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleEvents upgrades to a websocket and streams bus events. Events after
// ?since=<seq> still held by the bus are replayed first.
func (h *HTTPServer) handleEvents(buffer int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var since int64
		if v := r.URL.Query().Get("since"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				http.Error(w, "Invalid since", http.StatusBadRequest)
				return
			}
			since = n
		}

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client.
			h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		defer conn.Close()

		// Subscribe before replaying so nothing falls between the two.
		live, unsubscribe := h.deps.Bus.Subscribe(buffer)
		defer unsubscribe()

		h.logger.Debug("Event subscriber connected", slog.String("remote", r.RemoteAddr), slog.Int64("since", since))

		last := since
		for _, ev := range h.deps.Bus.Since(since) {
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			last = ev.Seq
		}

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()

		for {
			select {
			case ev, ok := <-live:
				if !ok {
					// Dropped for falling behind.
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"),
						time.Now().Add(wsWriteTimeout))
					return
				}
				if ev.Seq <= last {
					continue
				}
				if err := writeEvent(conn, ev); err != nil {
					return
				}
				last = ev.Seq
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                "API documentation",
			"GET /health":          "Service health check",
			"GET /state":           "Controller state, ?last=1 for the last finished run",
			"POST /capture/start":  "Start capturing an utterance",
			"POST /capture/stop":   "Stop capturing and translate",
			"POST /capture/cancel": "Discard the capture",
			"POST /ack":            "Acknowledge an error",
			"GET /progress":        "Model loading progress",
			"GET /runs":            "Recent runs, ?limit=N",
			"GET /runs/{id}":       "One recorded run",
			"GET /config":          "Service configuration",
			"GET /stats":           "Component statistics",
			"GET /events":          "Websocket stream of UI messages, ?since=SEQ",
			"GET /metrics":         "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
