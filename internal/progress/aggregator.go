package progress

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Asset is the recorded progress of one registered asset.
type Asset struct {
	ID      string  `json:"id"`
	Weight  float64 `json:"weight"`
	Percent float64 `json:"percent"`
}

// Aggregator combines per-asset percentages into a weighted overall percentage.
// Weights are fixed at registration and never renormalized. It is safe for
// concurrent use.
type Aggregator struct {
	mu          sync.RWMutex
	assets      map[string]*Asset
	order       []string
	totalWeight float64
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		assets: make(map[string]*Asset),
	}
}

// Register adds an asset with the given weight. Weights must be positive and
// ids unique.
func (a *Aggregator) Register(id string, weight float64) error {
	if id == "" {
		return fmt.Errorf("asset id cannot be empty")
	}
	if weight <= 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return fmt.Errorf("asset %s: weight must be positive, got %v", id, weight)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.assets[id]; exists {
		return fmt.Errorf("asset %s already registered", id)
	}

	a.assets[id] = &Asset{ID: id, Weight: weight}
	a.order = append(a.order, id)
	a.totalWeight += weight
	return nil
}

// Update records progress for a registered asset and returns the new overall
// percentage. Percent is clamped to [0,100] and never moves backwards.
func (a *Aggregator) Update(id string, percent float64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	asset, exists := a.assets[id]
	if !exists {
		return 0, fmt.Errorf("asset %s is not registered", id)
	}

	percent = clamp(percent)
	if percent > asset.Percent {
		asset.Percent = percent
	}

	return a.overallLocked(), nil
}

// Complete marks an asset as fully loaded and returns the new overall percentage.
func (a *Aggregator) Complete(id string) (int, error) {
	return a.Update(id, 100)
}

// Overall returns round(Σ w·p / Σ w), or 0 when nothing is registered.
func (a *Aggregator) Overall() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.overallLocked()
}

// Percent returns the recorded percentage of one asset.
func (a *Aggregator) Percent(id string) (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	asset, exists := a.assets[id]
	if !exists {
		return 0, false
	}
	return asset.Percent, true
}

// Snapshot returns the assets in registration order.
func (a *Aggregator) Snapshot() []Asset {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Asset, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.assets[id])
	}
	return out
}

// Done reports whether every registered asset is at 100%.
func (a *Aggregator) Done() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.assets) == 0 {
		return false
	}
	for _, asset := range a.assets {
		if asset.Percent < 100 {
			return false
		}
	}
	return true
}

// Pending returns the ids of assets that have not finished, sorted.
func (a *Aggregator) Pending() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var ids []string
	for id, asset := range a.assets {
		if asset.Percent < 100 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (a *Aggregator) overallLocked() int {
	if a.totalWeight == 0 {
		return 0
	}

	var sum float64
	for _, asset := range a.assets {
		sum += asset.Weight * asset.Percent
	}

	overall := int(math.Round(sum / a.totalWeight))
	if overall > 100 {
		overall = 100
	}
	return overall
}

func clamp(percent float64) float64 {
	switch {
	case math.IsNaN(percent), percent < 0:
		return 0
	case percent > 100:
		return 100
	default:
		return percent
	}
}
