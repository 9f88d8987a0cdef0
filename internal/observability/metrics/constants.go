// Package metrics provides Prometheus metrics for the editor core, the
// gateway client and the reference record store server.
package metrics

// Save triggers
const (
	TriggerAuto      = "auto"
	TriggerManual    = "manual"
	TriggerDuplicate = "duplicate"
)

// Operation outcomes
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Histogram bucket constants
const (
	BucketStart1ms = 0.001
	BucketFactor2  = 2
	BucketCount15  = 15
)
