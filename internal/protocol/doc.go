// Package protocol defines the pipeline stage model, the events a pipeline run
// emits, and the JSON status messages sent to user interfaces. Events and
// messages are closed sets: every variant is handled through a visitor so a new
// variant fails to compile until each consumer handles it.
package protocol
