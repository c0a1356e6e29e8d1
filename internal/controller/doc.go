// Package controller owns the lifecycle of a translation run.
//
// A Machine is a single goroutine fed by one inbox. UI commands, device
// acquisition results, pipeline events and playback completion all arrive
// there, so run state is never shared. Slow work runs on other goroutines
// and posts its result back:
//
//	Idle -> Capturing -> Dispatching -> Transcribing -> Translating
//	     -> Synthesizing -> Playing -> Idle
//
// Any non-idle state can fail into Error, which Acknowledge clears.
package controller
