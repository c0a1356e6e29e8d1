// Package meter provides the audio level meter fed by an active capture session.
// It computes smoothed RMS levels per frame and flags frames above a voice threshold.
package meter
