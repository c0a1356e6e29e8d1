package audio

import (
	"math"
	"testing"
)

func TestResampleLength(t *testing.T) {
	tests := []struct {
		name     string
		n        int
		source   int
		target   int
		expected int
	}{
		{"48k to 16k", 96000, 48000, 16000, 32000},
		{"44.1k to 16k", 44100, 44100, 16000, 16000},
		{"odd length 48k to 16k", 1001, 48000, 16000, 334},
		{"8k to 16k", 800, 8000, 16000, 1600},
		{"22.05k to 16k", 1000, 22050, 16000, 726},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Resample(make([]float32, tt.n), tt.source, tt.target)
			if err != nil {
				t.Fatalf("Resample failed: %v", err)
			}
			if len(out) != tt.expected {
				t.Errorf("Expected %d samples, got %d", tt.expected, len(out))
			}
			if ResampledLength(tt.n, tt.source, tt.target) != tt.expected {
				t.Errorf("ResampledLength disagrees with Resample")
			}
		})
	}
}

func TestResampleRoundTripLength(t *testing.T) {
	tests := []struct {
		name   string
		first  int
		second int
	}{
		{"48k down to 16k", 48000, 16000},
		{"16k up to 48k", 16000, 48000},
		{"16k up to 44.1k", 16000, 44100},
		{"8k up to 22.05k", 8000, 22050},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for n := 1; n <= 2000; n += 37 {
				there, err := Resample(make([]float32, n), tt.first, tt.second)
				if err != nil {
					t.Fatalf("Resample failed: %v", err)
				}
				back, err := Resample(there, tt.second, tt.first)
				if err != nil {
					t.Fatalf("Resample failed: %v", err)
				}
				if diff := len(back) - n; diff < -1 || diff > 1 {
					t.Errorf("%d samples: got %d back", n, len(back))
				}
			}
		})
	}
}

func TestResampleIdentity(t *testing.T) {
	in := []float32{0.1, -0.2, 0.3}

	out, err := Resample(in, 16000, 16000)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}

	for i := range in {
		if out[i] != in[i] {
			t.Errorf("Sample %d: expected %v, got %v", i, in[i], out[i])
		}
	}

	out[0] = 5
	if in[0] != 0.1 {
		t.Error("Expected identity resample to return a copy")
	}
}

func TestResampleEmpty(t *testing.T) {
	out, err := Resample(nil, 48000, 16000)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	if out == nil || len(out) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", out)
	}
}

func TestResampleInvalidRates(t *testing.T) {
	if _, err := Resample([]float32{1}, 0, 16000); err == nil {
		t.Error("Expected error for zero source rate")
	}
	if _, err := Resample([]float32{1}, 48000, -1); err == nil {
		t.Error("Expected error for negative target rate")
	}
}

func TestResampleInterpolates(t *testing.T) {
	// Upsampling a ramp by 2 puts midpoints between source samples.
	out, err := Resample([]float32{0, 1, 2, 3}, 8000, 16000)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}

	expected := []float32{0, 0.5, 1, 1.5, 2, 2.5, 3, 3}
	if len(out) != len(expected) {
		t.Fatalf("Expected %d samples, got %d", len(expected), len(out))
	}
	for i := range expected {
		if math.Abs(float64(out[i]-expected[i])) > 1e-6 {
			t.Errorf("Sample %d: expected %v, got %v", i, expected[i], out[i])
		}
	}
}

func TestResampleDownsamplePicksEveryThird(t *testing.T) {
	in := make([]float32, 9)
	for i := range in {
		in[i] = float32(i)
	}

	out, err := Resample(in, 48000, 16000)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}

	expected := []float32{0, 3, 6}
	for i := range expected {
		if math.Abs(float64(out[i]-expected[i])) > 1e-5 {
			t.Errorf("Sample %d: expected %v, got %v", i, expected[i], out[i])
		}
	}
}

func TestResampleDeterministic(t *testing.T) {
	in := make([]float32, 1000)
	for i := range in {
		in[i] = float32(math.Sin(float64(i) / 10))
	}

	a, _ := Resample(in, 44100, 16000)
	b, _ := Resample(in, 44100, 16000)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Resample is not deterministic at sample %d", i)
		}
	}
}
