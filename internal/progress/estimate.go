package progress

import (
	"fmt"
	"math"
	"time"
)

// Estimator decides when a remaining-time estimate is meaningful and computes it.
type Estimator struct {
	// MinElapsed is how long loading must run before an estimate is shown.
	MinElapsed time.Duration
	// MinPercent is the overall percentage that must be exceeded first.
	MinPercent float64
	// FinalizingEpsilon is the remaining time at or below which loading
	// reads as finalizing.
	FinalizingEpsilon time.Duration
}

// DefaultEstimator returns the thresholds used by the desktop client.
func DefaultEstimator() Estimator {
	return Estimator{
		MinElapsed:        3 * time.Second,
		MinPercent:        2,
		FinalizingEpsilon: 500 * time.Millisecond,
	}
}

// Estimate is the result of EstimateRemaining.
type Estimate struct {
	Known      bool          `json:"known"`
	Finalizing bool          `json:"finalizing"`
	Remaining  time.Duration `json:"remaining"`
}

// EstimateRemaining extrapolates linearly from elapsed time and overall percent:
// elapsed/overall*(100-overall). The estimate is unknown until both thresholds
// are exceeded.
func (e Estimator) EstimateRemaining(elapsed time.Duration, overall float64) Estimate {
	if elapsed <= e.MinElapsed || overall <= e.MinPercent {
		return Estimate{}
	}

	if overall >= 100 {
		return Estimate{Known: true, Finalizing: true}
	}

	remaining := time.Duration(float64(elapsed) / overall * (100 - overall))
	if remaining <= e.FinalizingEpsilon {
		return Estimate{Known: true, Finalizing: true}
	}

	return Estimate{Known: true, Remaining: remaining}
}

// String renders the estimate for display, empty when unknown.
func (e Estimate) String() string {
	if !e.Known {
		return ""
	}
	if e.Finalizing {
		return "finalizing"
	}

	secs := int(math.Round(e.Remaining.Seconds()))
	if secs <= 0 {
		return "finalizing"
	}

	mins := secs / 60
	secs %= 60
	if mins > 0 {
		return fmt.Sprintf("~%dm %ds remaining", mins, secs)
	}
	return fmt.Sprintf("~%ds remaining", secs)
}
