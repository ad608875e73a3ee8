// Package metrics defines the Prometheus collectors exported on the metrics
// endpoint. A nil *Metrics is valid and records nothing.
package metrics
