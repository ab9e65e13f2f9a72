// Package inbound contains the primary/inbound ports.
// These interfaces define the use cases that the application exposes.
package inbound

import "context"

// BatchRunner executes one trade pass over every running account for a venue.
// Inbound adapters (HTTP trigger, SQS worker) call it.
type BatchRunner interface {
	// Run returns an error only when the pass could not be set up or was
	// cancelled; per-account failures are logged and recorded as outcomes.
	Run(ctx context.Context, venue string) error
}

// HealthChecker reports readiness and liveness for probes.
type HealthChecker interface {
	// IsReady returns true once the service can accept triggers.
	IsReady() bool

	// IsHealthy returns true while passes are not stuck.
	IsHealthy() bool
}
