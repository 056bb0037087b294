package stats

import "context"

// Tunnel results recorded by collectors.
const (
	TunnelEstablished = "established"
	TunnelFailed      = "failed"
)

// Collector receives routing and tunnel events from the selection engine
// and the tunnel drivers. Implementations must be safe for concurrent use.
type Collector interface {
	// RecordSelection records one upstream selection decision for a flow.
	// proxyName is empty when no upstream was selected.
	RecordSelection(ctx context.Context, clientAddr, targetHost string, targetPort uint16, proxyName, outcome string) error

	// RecordTunnel records the outcome of one tunnel negotiation attempt
	// against an upstream. detail carries the failure reason, if any.
	RecordTunnel(ctx context.Context, proxyName, targetAddr, result, detail string) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
