package router

import (
	"context"

	"github.com/codefionn/proxywahl/proxywahl-srv/logger"
	"github.com/codefionn/proxywahl/proxywahl-srv/stats"
)

// Route is the routing decision for one flow: the chosen upstream plus its
// resolved address. A nil Route means the flow goes direct (no upstream, or
// the registry is unloaded, or the chosen upstream's URL was unusable).
type Route struct {
	Upstream *Upstream
	Address  *Address
}

// Hooks are the flow-facing entry points the surrounding proxy calls for
// each flow-affecting event: request, tunnel connect, WebSocket start/end
// and client disconnect.
type Hooks struct {
	selector  *Selector
	collector stats.Collector
}

// NewHooks wires a selector and an optional stats collector (nil means
// statistics are disabled).
func NewHooks(selector *Selector, collector stats.Collector) *Hooks {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	return &Hooks{selector: selector, collector: collector}
}

// Selector returns the underlying selection engine.
func (h *Hooks) Selector() *Selector {
	return h.selector
}

func (h *Hooks) route(ctx context.Context, f Flow, id FlowID) *Route {
	up, outcome := h.selector.SelectWithOutcome(f, id)

	proxyName := ""
	if up != nil {
		proxyName = up.Name
	}
	if err := h.collector.RecordSelection(ctx, f.ClientAddr(), f.TargetHost(), f.TargetPort(), proxyName, outcome); err != nil {
		logger.Error("Failed to record selection: %v", err)
	}

	if up == nil {
		return nil
	}

	addr, err := up.Address()
	if err != nil {
		// Routing error: the flow falls back to whatever direct behavior
		// the surrounding proxy defines.
		logger.Error("Upstream %s has unusable URL: %v", up.Name, err)
		return nil
	}
	return &Route{Upstream: up, Address: addr}
}

// HandleRequest selects the upstream for a plain request/response flow. The
// session identity includes the target port.
func (h *Hooks) HandleRequest(ctx context.Context, f Flow) *Route {
	return h.route(ctx, f, RequestFlowID(f))
}

// HandleConnect selects the upstream for a tunnel-connect flow. The session
// identity covers client address and target host only, so all tunneled
// exchanges of the session share the upstream.
func (h *Hooks) HandleConnect(ctx context.Context, f Flow) *Route {
	return h.route(ctx, f, TunnelFlowID(f))
}

// HandleWebSocketStart mirrors HandleConnect for WebSocket sessions.
func (h *Hooks) HandleWebSocketStart(ctx context.Context, f Flow) *Route {
	return h.route(ctx, f, TunnelFlowID(f))
}

// HandleWebSocketEnd tears down the session affinity entry of a finished
// WebSocket session.
func (h *Hooks) HandleWebSocketEnd(f Flow) {
	h.selector.Cache().Delete(TunnelFlowID(f))
}

// HandleClientDisconnect evicts every affinity entry of a disconnected
// client, bounding cache memory to the currently-active sessions.
func (h *Hooks) HandleClientDisconnect(clientAddr string) {
	removed := h.selector.Cache().DeleteClient(clientAddr)
	if removed > 0 {
		affinityEvents.WithLabelValues("client_teardown").Add(float64(removed))
		logger.Debug("Removed %d affinity entries for disconnected client %s", removed, clientAddr)
	}
}
