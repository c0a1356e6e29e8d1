package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Manikeshmk/Arm-challenge/internal/audio"
)

// HTTPEngine talks to a local inference server. Requests are never retried:
// a failed stage fails the run.
type HTTPEngine struct {
	config     HTTPConfig
	httpClient *http.Client
	loadClient *http.Client
	semaphore  chan struct{}
	logger     *slog.Logger

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration
	loaded          map[string]bool

	mu sync.RWMutex
}

// HTTPConfig contains inference server client configuration
type HTTPConfig struct {
	Endpoint       string
	Timeout        time.Duration // per inference request
	LoadTimeout    time.Duration // per model load, including download
	MaxConcurrent  int
	SourceLanguage string
	TargetLanguage string
}

type textResponse struct {
	Text string `json:"text"`
}

type translateRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// loadEvent is one line of the newline-delimited JSON stream returned while
// a model loads.
type loadEvent struct {
	Status   string  `json:"status"` // progress, done or error
	Progress float64 `json:"progress"`
	File     string  `json:"file,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// NewHTTPEngine creates a new inference server client
func NewHTTPEngine(config HTTPConfig, logger *slog.Logger) (*HTTPEngine, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if _, err := url.Parse(config.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", config.Endpoint, err)
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.LoadTimeout <= 0 {
		config.LoadTimeout = 10 * time.Minute
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.SourceLanguage == "" {
		config.SourceLanguage = "en"
	}

	if config.TargetLanguage == "" {
		config.TargetLanguage = "es"
	}

	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &HTTPEngine{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout, Transport: transport},
		loadClient: &http.Client{Timeout: config.LoadTimeout, Transport: transport},
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger,
		loaded:     make(map[string]bool),
	}, nil
}

// LoadModel asks the server to load modelID and relays its progress stream.
func (e *HTTPEngine) LoadModel(ctx context.Context, modelID string, progress ProgressFunc) error {
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	startTime := time.Now()
	e.incrementTotalRequests()

	err = e.doLoad(ctx, modelID, progress)
	e.finish(startTime, err)
	if err != nil {
		return fmt.Errorf("load model %s: %w", modelID, err)
	}

	e.mu.Lock()
	e.loaded[modelID] = true
	e.mu.Unlock()

	return nil
}

func (e *HTTPEngine) doLoad(ctx context.Context, modelID string, progress ProgressFunc) error {
	endpoint := e.url("models", url.PathEscape(modelID), "load")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := e.loadClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev loadEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("failed to parse load progress: %w", err)
		}

		switch ev.Status {
		case "progress":
			if progress != nil {
				progress(ev.Progress, ev.File)
			}
		case "done":
			if progress != nil {
				progress(100, ev.File)
			}
			return nil
		case "error":
			return fmt.Errorf("server reported: %s", ev.Message)
		default:
			e.logger.Debug("Ignoring unknown load event", slog.String("status", ev.Status))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read load progress: %w", err)
	}

	return fmt.Errorf("load stream ended before completion")
}

// Transcribe uploads the samples as a 16-bit WAV file and returns the transcript.
func (e *HTTPEngine) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	wav, err := audio.EncodeWAV(samples, sampleRate)
	if err != nil {
		return "", fmt.Errorf("failed to encode audio: %w", err)
	}

	body, contentType, err := e.createMultipartRequest(wav, sampleRate)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart request: %w", err)
	}

	var out textResponse
	if err := e.call(ctx, "transcribe", contentType, body, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&out)
	}); err != nil {
		return "", err
	}

	return out.Text, nil
}

// Translate returns the translation of text into the target language.
func (e *HTTPEngine) Translate(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(translateRequest{
		Text:   text,
		Source: e.config.SourceLanguage,
		Target: e.config.TargetLanguage,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	var out textResponse
	if err := e.call(ctx, "translate", "application/json", bytes.NewReader(payload), func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&out)
	}); err != nil {
		return "", err
	}

	return out.Text, nil
}

// Synthesize returns speech for text. The server answers with a WAV file.
func (e *HTTPEngine) Synthesize(ctx context.Context, text string) (Speech, error) {
	payload, err := json.Marshal(synthesizeRequest{
		Text:     text,
		Language: e.config.TargetLanguage,
	})
	if err != nil {
		return Speech{}, fmt.Errorf("failed to encode request: %w", err)
	}

	var speech Speech
	if err := e.call(ctx, "synthesize", "application/json", bytes.NewReader(payload), func(r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		samples, rate, err := audio.DecodeWAV(data)
		if err != nil {
			return err
		}
		speech = Speech{Samples: samples, SampleRate: rate}
		return nil
	}); err != nil {
		return Speech{}, err
	}

	return speech, nil
}

// call performs one inference request and hands the response body to decode.
func (e *HTTPEngine) call(ctx context.Context, op, contentType string, body io.Reader, decode func(io.Reader) error) error {
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	startTime := time.Now()
	e.incrementTotalRequests()

	err = e.doRequest(ctx, op, contentType, body, decode)
	e.finish(startTime, err)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}

	e.logger.Debug("Inference request completed",
		slog.String("op", op),
		slog.Duration("duration", time.Since(startTime)),
	)
	return nil
}

func (e *HTTPEngine) doRequest(ctx context.Context, op, contentType string, body io.Reader, decode func(io.Reader) error) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url(op), body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("User-Agent", "Arm-Translator/1.0")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if err := decode(resp.Body); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	return nil
}

// createMultipartRequest creates a multipart/form-data request body
func (e *HTTPEngine) createMultipartRequest(wav []byte, sampleRate int) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"sample_rate":     strconv.Itoa(sampleRate),
		"language":        e.config.SourceLanguage,
		"response_format": "json",
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

func (e *HTTPEngine) url(parts ...string) string {
	return strings.TrimRight(e.config.Endpoint, "/") + "/" + strings.Join(parts, "/")
}

func (e *HTTPEngine) acquire(ctx context.Context) (func(), error) {
	select {
	case e.semaphore <- struct{}{}:
		return func() { <-e.semaphore }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Statistics methods
func (e *HTTPEngine) incrementTotalRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
}

func (e *HTTPEngine) finish(startTime time.Time, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.failedRequests++
		return
	}

	e.successRequests++
	responseTime := time.Since(startTime)
	if e.avgResponseTime == 0 {
		e.avgResponseTime = responseTime
	} else {
		e.avgResponseTime = (e.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (e *HTTPEngine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	successRate := float64(0)
	if e.totalRequests > 0 {
		successRate = float64(e.successRequests) / float64(e.totalRequests) * 100
	}

	models := make([]string, 0, len(e.loaded))
	for id := range e.loaded {
		models = append(models, id)
	}
	sort.Strings(models)

	return Stats{
		TotalRequests:   e.totalRequests,
		SuccessRequests: e.successRequests,
		FailedRequests:  e.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: e.avgResponseTime,
		ActiveRequests:  len(e.semaphore),
		LoadedModels:    models,
	}
}
