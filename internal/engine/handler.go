package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/Manikeshmk/Arm-challenge/internal/audio"
)

// Handler serves an Engine over the inference server HTTP API understood by
// HTTPEngine:
//
//	POST /models/{id}/load  newline-delimited JSON progress
//	POST /transcribe        multipart WAV upload, {"text": ...}
//	POST /translate         {"text": ...} -> {"text": ...}
//	POST /synthesize        {"text": ...} -> audio/wav
type Handler struct {
	engine Engine
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewHandler wraps engine in an http.Handler.
func NewHandler(engine Engine, logger *slog.Logger) *Handler {
	h := &Handler{
		engine: engine,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("/models/", h.handleLoad)
	h.mux.HandleFunc("/transcribe", h.handleTranscribe)
	h.mux.HandleFunc("/translate", h.handleTranslate)
	h.mux.HandleFunc("/synthesize", h.handleSynthesize)
	h.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/models/")
	modelID, ok := strings.CutSuffix(rest, "/load")
	if !ok || modelID == "" || strings.Contains(modelID, "/") {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	var mu sync.Mutex
	send := func(ev loadEvent) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	err := h.engine.LoadModel(r.Context(), modelID, func(percent float64, file string) {
		if percent >= 100 {
			return
		}
		send(loadEvent{Status: "progress", Progress: percent, File: file})
	})
	if err != nil {
		h.logger.Warn("Model load failed", slog.String("model", modelID), slog.String("error", err.Error()))
		send(loadEvent{Status: "error", Message: err.Error()})
		return
	}

	send(loadEvent{Status: "done", Progress: 100})
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid multipart form: %v", err), http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if declared := r.FormValue("sample_rate"); declared != "" {
		if n, err := strconv.Atoi(declared); err != nil || n != rate {
			http.Error(w, "sample_rate does not match WAV header", http.StatusBadRequest)
			return
		}
	}

	text, err := h.engine.Transcribe(r.Context(), samples, rate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, textResponse{Text: text})
}

func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	text, err := h.engine.Translate(r.Context(), req.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, textResponse{Text: text})
}

func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	speech, err := h.engine.Synthesize(r.Context(), req.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	wav, err := audio.EncodeWAV(speech.Samples, speech.SampleRate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.Write(wav)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
