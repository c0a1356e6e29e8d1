// Package metrics defines the Prometheus collectors exported by the
// translator. Collectors are registered on an injected registry so several
// instances can coexist in one process.
package metrics
