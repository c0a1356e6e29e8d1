// Package engine defines the inference engine boundary used by the pipeline:
// model loading with progress, transcription, translation and speech synthesis.
// HTTPEngine reaches a local inference server; Stub is a deterministic engine
// for development and tests.
package engine
