// Package pipeline runs utterances through the inference engine.
//
// Client dispatches one request at a time and reports each stage as a
// protocol.Event on a channel. Loader drives model loading at startup and
// reports weighted progress as protocol messages.
package pipeline
