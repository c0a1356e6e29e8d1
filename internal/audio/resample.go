package audio

import (
	"fmt"
	"math"
)

// Resample converts mono samples from sourceRate to targetRate by linear
// interpolation between the two nearest source samples. No anti-aliasing
// filter is applied, so downsampling folds content above the new Nyquist
// frequency back into the signal.
//
// The output holds round(len(samples)*targetRate/sourceRate) samples. Equal
// rates return a copy and empty input returns an empty slice.
func Resample(samples []float32, sourceRate, targetRate int) ([]float32, error) {
	if sourceRate <= 0 || targetRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", sourceRate, targetRate)
	}

	if len(samples) == 0 {
		return []float32{}, nil
	}

	if sourceRate == targetRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out, nil
	}

	n := len(samples)
	outLen := int(math.Round(float64(n) * float64(targetRate) / float64(sourceRate)))
	out := make([]float32, outLen)

	step := float64(sourceRate) / float64(targetRate)
	last := n - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}

	return out, nil
}

// ResampledLength returns the number of samples Resample produces.
func ResampledLength(n, sourceRate, targetRate int) int {
	if n == 0 || sourceRate <= 0 || targetRate <= 0 {
		return 0
	}
	if sourceRate == targetRate {
		return n
	}
	return int(math.Round(float64(n) * float64(targetRate) / float64(sourceRate)))
}
