package stats

import "context"

// DummyCollector is a no-op implementation of Collector, used when
// statistics collection is disabled.
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector.
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

// RecordSelection records a selection decision (no-op).
func (d *DummyCollector) RecordSelection(ctx context.Context, clientAddr, targetHost string, targetPort uint16, proxyName, outcome string) error {
	return nil
}

// RecordTunnel records a tunnel outcome (no-op).
func (d *DummyCollector) RecordTunnel(ctx context.Context, proxyName, targetAddr, result, detail string) error {
	return nil
}

// HealthCheck always reports healthy.
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close does nothing for the dummy collector.
func (d *DummyCollector) Close() error {
	return nil
}
