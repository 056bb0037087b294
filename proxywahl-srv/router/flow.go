package router

import "fmt"

// Flow is the narrow, read-only view of one proxied exchange that the
// selection engine is allowed to observe. Nothing else about the underlying
// connection is visible here.
type Flow interface {
	TargetHost() string
	TargetPort() uint16
	IsWebSocket() bool
	ClientAddr() string
}

// FlowInfo is a plain value implementation of Flow, filled in by the
// surrounding proxy for each flow-affecting event.
type FlowInfo struct {
	Host      string
	Port      uint16
	WebSocket bool
	Client    string
}

// TargetHost returns the flow's target host.
func (f *FlowInfo) TargetHost() string { return f.Host }

// TargetPort returns the flow's target port.
func (f *FlowInfo) TargetPort() uint16 { return f.Port }

// IsWebSocket reports whether the flow carries a WebSocket session.
func (f *FlowInfo) IsWebSocket() bool { return f.WebSocket }

// ClientAddr returns the client's network address.
func (f *FlowInfo) ClientAddr() string { return f.Client }

// FlowID is the derived key identifying a logical client-to-target session.
// TargetPort is zero for tunnel-oriented identities, where the port is not
// part of the session key.
type FlowID struct {
	ClientAddr string
	TargetHost string
	TargetPort uint16
}

// TunnelFlowID derives the session key for tunnel-oriented protocols
// (CONNECT tunnels, WebSocket sessions): client address and target host only.
func TunnelFlowID(f Flow) FlowID {
	return FlowID{ClientAddr: f.ClientAddr(), TargetHost: f.TargetHost()}
}

// RequestFlowID derives the session key for plain request/response flows:
// client address, target host and target port.
func RequestFlowID(f Flow) FlowID {
	return FlowID{ClientAddr: f.ClientAddr(), TargetHost: f.TargetHost(), TargetPort: f.TargetPort()}
}

func (id FlowID) String() string {
	if id.TargetPort == 0 {
		return fmt.Sprintf("%s->%s", id.ClientAddr, id.TargetHost)
	}
	return fmt.Sprintf("%s->%s:%d", id.ClientAddr, id.TargetHost, id.TargetPort)
}
