// Package gateway defines the interface for agentauth's network entry points.
package gateway

import "context"

// Gateway serves login requests to remote callers. The HTTP API in
// package httpapi is the only implementation today.
type Gateway interface {
	// Start binds the listener and blocks until the gateway exits or ctx
	// is canceled.
	Start(ctx context.Context) error

	// Stop shuts the gateway down. ctx bounds the grace period for
	// in-flight sessions.
	Stop(ctx context.Context) error
}
