// Package server implements the local HTTP control surface of the translator.
// It exposes capture commands, controller state, model load progress, the run
// journal and a websocket stream of UI messages, plus Prometheus metrics.
package server
