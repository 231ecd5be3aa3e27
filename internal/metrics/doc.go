// Package metrics defines the coordinator's Prometheus collectors.
//
// Collectors are registered on a caller-supplied registry so tests can use a
// fresh prometheus.NewRegistry() per case. A nil *Metrics is valid and
// records nothing.
package metrics
