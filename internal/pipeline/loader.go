package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Manikeshmk/Arm-challenge/internal/apperrors"
	"github.com/Manikeshmk/Arm-challenge/internal/engine"
	"github.com/Manikeshmk/Arm-challenge/internal/metrics"
	"github.com/Manikeshmk/Arm-challenge/internal/progress"
	"github.com/Manikeshmk/Arm-challenge/internal/protocol"
)

// Asset is a model to load and its share of the overall progress.
type Asset struct {
	ID     string
	Name   string
	Weight float64
}

// EmitFunc receives loader messages. Calls are serialized.
type EmitFunc func(protocol.Message)

// LoaderConfig contains model loader configuration
type LoaderConfig struct {
	MaxParallel int
	Estimator   progress.Estimator
}

// Loader loads model assets through the engine and reports weighted progress.
type Loader struct {
	engine  engine.Engine
	config  LoaderConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	loading   bool
	agg       *progress.Aggregator
	startedAt time.Time
	finished  bool
	lastErr   error
}

// LoadStatus is a point in time view of model loading.
type LoadStatus struct {
	Loading bool             `json:"loading"`
	Done    bool             `json:"done"`
	Overall int              `json:"overall"`
	ETA     string           `json:"eta,omitempty"`
	Assets  []progress.Asset `json:"assets"`
	Error   string           `json:"error,omitempty"`
}

// NewLoader creates a model loader. m may be nil.
func NewLoader(eng engine.Engine, config LoaderConfig, logger *slog.Logger, m *metrics.Metrics) *Loader {
	if config.MaxParallel <= 0 {
		config.MaxParallel = 1
	}

	return &Loader{
		engine:  eng,
		config:  config,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Load registers assets and loads each through the engine, emitting
// load_start, model_progress and model_done per asset and init_done once
// all succeed. The first failure emits an error message, cancels the
// remaining loads and is returned as a load error.
func (l *Loader) Load(ctx context.Context, assets []Asset, emit EmitFunc) error {
	if len(assets) == 0 {
		return fmt.Errorf("no assets to load")
	}

	agg := progress.NewAggregator()
	for _, asset := range assets {
		if err := agg.Register(asset.ID, asset.Weight); err != nil {
			return fmt.Errorf("failed to register asset: %w", err)
		}
	}

	l.mu.Lock()
	if l.loading {
		l.mu.Unlock()
		return apperrors.Concurrency("models are already loading")
	}
	l.loading = true
	l.agg = agg
	l.startedAt = l.now()
	l.finished = false
	l.lastErr = nil
	l.mu.Unlock()

	// Progress is recomputed under the same lock that emits it, so the
	// overall percentage reaches subscribers in non-decreasing order.
	var emitMu sync.Mutex
	report := func(build func() protocol.Message) {
		emitMu.Lock()
		defer emitMu.Unlock()
		if m := build(); m != nil && emit != nil {
			emit(m)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.config.MaxParallel)

	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			return l.loadAsset(gctx, agg, asset, report)
		})
	}

	err := g.Wait()

	l.mu.Lock()
	l.loading = false
	l.finished = err == nil
	l.lastErr = err
	l.mu.Unlock()

	if err != nil {
		return err
	}

	l.logger.Info("All models loaded",
		slog.Int("assets", len(assets)),
		slog.Duration("duration", l.now().Sub(l.startedAt)),
	)
	report(func() protocol.Message { return protocol.InitDone{} })
	return nil
}

func (l *Loader) loadAsset(ctx context.Context, agg *progress.Aggregator, asset Asset, report func(func() protocol.Message)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := asset.Name
	if name == "" {
		name = asset.ID
	}
	send := func(m protocol.Message) {
		report(func() protocol.Message { return m })
	}

	l.logger.Info("Loading model", slog.String("asset", asset.ID), slog.String("name", name))
	send(protocol.LoadStart{Model: asset.ID})

	err := l.engine.LoadModel(ctx, asset.ID, func(percent float64, file string) {
		report(func() protocol.Message {
			overall, err := agg.Update(asset.ID, percent)
			if err != nil {
				return nil
			}
			current, _ := agg.Percent(asset.ID)

			l.metrics.SetAssetProgress(asset.ID, current, overall)
			return protocol.ModelProgress{
				Model:   asset.ID,
				Pct:     current,
				File:    file,
				Overall: overall,
				ETA:     l.estimate(overall).String(),
			}
		})
	})
	if err != nil {
		// Loads cancelled because a sibling failed are not reported again.
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return err
		}

		l.metrics.RecordLoadFailure(asset.ID)
		l.logger.Error("Failed to load model",
			slog.String("asset", asset.ID),
			slog.String("error", err.Error()),
		)

		message := fmt.Sprintf("failed to load %s: %v", name, err)
		send(protocol.Error{Message: message})
		return apperrors.Load(asset.ID, message, err)
	}

	report(func() protocol.Message {
		overall, _ := agg.Complete(asset.ID)
		l.metrics.SetAssetProgress(asset.ID, 100, overall)
		return protocol.ModelDone{Model: asset.ID}
	})
	return nil
}

func (l *Loader) estimate(overall int) progress.Estimate {
	l.mu.RLock()
	started := l.startedAt
	l.mu.RUnlock()

	return l.config.Estimator.EstimateRemaining(l.now().Sub(started), float64(overall))
}

// Status returns the progress of the current or last load.
func (l *Loader) Status() LoadStatus {
	l.mu.RLock()
	agg := l.agg
	status := LoadStatus{
		Loading: l.loading,
		Done:    l.finished,
	}
	if l.lastErr != nil {
		status.Error = apperrors.MessageOf(l.lastErr)
	}
	l.mu.RUnlock()

	if agg == nil {
		status.Assets = []progress.Asset{}
		return status
	}

	status.Overall = agg.Overall()
	status.Assets = agg.Snapshot()
	if status.Loading {
		status.ETA = l.estimate(status.Overall).String()
	}
	return status
}
