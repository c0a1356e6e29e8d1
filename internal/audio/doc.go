// Package audio handles capture sessions, sample accumulation, resampling
// and WAV encoding. Samples are mono float32 in [-1, 1] throughout.
package audio
