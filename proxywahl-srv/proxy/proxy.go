package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/proxywahl/proxywahl-srv/logger"
	"github.com/codefionn/proxywahl/proxywahl-srv/router"
	"github.com/codefionn/proxywahl/proxywahl-srv/stats"
)

// Proxy is a forward proxy server that routes every flow through the
// selection engine: CONNECT tunnels and plain absolute-form requests either
// go direct or through the selected upstream (SOCKS5 handshake or HTTP
// CONNECT with injected credentials).
type Proxy struct {
	listenAddr string
	timeout    time.Duration
	hooks      *router.Hooks
	collector  stats.Collector

	mu     sync.Mutex
	server *http.Server
}

// NewProxy creates a proxy server listening on listenAddr once started.
// A nil collector disables statistics.
func NewProxy(listenAddr string, timeout time.Duration, hooks *router.Hooks, collector stats.Collector) *Proxy {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	return &Proxy{
		listenAddr: listenAddr,
		timeout:    timeout,
		hooks:      hooks,
		collector:  collector,
	}
}

// Hooks returns the flow hooks the server dispatches into.
func (p *Proxy) Hooks() *router.Hooks {
	return p.hooks
}

// Start listens on the configured address and serves until Stop is called.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return NewConnectionError(ErrCodeDialFailed, "Failed to create network listener",
			fmt.Errorf("listen on %s: %w", p.listenAddr, err))
	}
	return p.StartWithListener(listener)
}

// StartWithListener serves proxy traffic on the given listener.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	server := &http.Server{
		Handler:           http.HandlerFunc(p.handleRequest),
		ReadHeaderTimeout: 30 * time.Second,
		ConnState:         p.onConnState,
	}
	p.mu.Lock()
	p.server = server
	p.mu.Unlock()

	logger.Info("Proxy server listening on %s", listener.Addr())
	err := server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	server := p.server
	p.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

// onConnState evicts affinity entries when a client connection closes.
// Hijacked connections (CONNECT tunnels) are handled by the tunnel loop
// itself, which knows when the session actually ends.
func (p *Proxy) onConnState(conn net.Conn, state http.ConnState) {
	if state == http.StateClosed {
		p.hooks.HandleClientDisconnect(conn.RemoteAddr().String())
	}
}

func (p *Proxy) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.forwardRequest(w, r)
}

func isWebSocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// handleConnect routes a CONNECT tunnel: selects an upstream for the flow,
// establishes the outbound connection (negotiating the SOCKS5 tunnel or the
// upstream CONNECT when routed), then relays bytes in both directions.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	targetAddr := r.Host
	logger.Debug("CONNECT request for %s from %s", targetAddr, r.RemoteAddr)

	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		http.Error(w, "Invalid CONNECT target", http.StatusBadRequest)
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		http.Error(w, "Invalid CONNECT target port", http.StatusBadRequest)
		return
	}

	isWebSocket := isWebSocketRequest(r)
	flow := &router.FlowInfo{
		Host:      host,
		Port:      uint16(port),
		WebSocket: isWebSocket,
		Client:    r.RemoteAddr,
	}

	var route *router.Route
	if isWebSocket {
		route = p.hooks.HandleWebSocketStart(r.Context(), flow)
	} else {
		route = p.hooks.HandleConnect(r.Context(), flow)
	}

	targetConn, err := p.dialTarget(r.Context(), route, host, uint16(port))
	if err != nil {
		logger.Error("Failed to establish connection to target %s: %v", targetAddr, err)
		writeProxyErrorResponse(w, err)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("HTTP server does not support hijacking")
		closeQuietly(targetConn, "target")
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("Failed to hijack connection: %v", err)
		closeQuietly(targetConn, "target")
		return
	}

	if _, err := fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		logger.Error("Failed to send 200 response: %v", err)
		closeQuietly(clientConn, "client")
		closeQuietly(targetConn, "target")
		return
	}

	relay(clientConn, clientBuf, targetConn)

	if isWebSocket {
		p.hooks.HandleWebSocketEnd(flow)
	}
	p.hooks.HandleClientDisconnect(r.RemoteAddr)
	logger.Debug("Tunnel to %s closed", targetAddr)
}

// forwardRequest routes a plain absolute-form request. HTTP-style upstreams
// receive the request in absolute form with injected credentials; SOCKS5
// upstreams and direct connections receive it in origin form over the
// established tunnel.
func (p *Proxy) forwardRequest(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		http.Error(w, "This is a proxy server; requests must use absolute URIs", http.StatusBadRequest)
		return
	}

	host := r.URL.Hostname()
	port := uint16(80)
	if portStr := r.URL.Port(); portStr != "" {
		parsed, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			http.Error(w, "Invalid target port", http.StatusBadRequest)
			return
		}
		port = uint16(parsed)
	} else if r.URL.Scheme == "https" {
		port = 443
	}

	isWebSocket := isWebSocketRequest(r)
	flow := &router.FlowInfo{
		Host:      host,
		Port:      port,
		WebSocket: isWebSocket,
		Client:    r.RemoteAddr,
	}

	var route *router.Route
	if isWebSocket {
		route = p.hooks.HandleWebSocketStart(r.Context(), flow)
	} else {
		route = p.hooks.HandleRequest(r.Context(), flow)
	}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.Header.Del("Proxy-Connection")
	outReq.Header.Del("Proxy-Authorization")

	viaHTTPUpstream := route != nil && route.Address.Scheme != router.SchemeSocks5

	var conn net.Conn
	var err error
	if viaHTTPUpstream {
		conn, err = p.dialer().DialContext(r.Context(), "tcp", route.Address.HostPort())
		if err != nil {
			err = NewProxyChainError(ErrCodeHTTPProxyDialFailed, GetErrorDescription(ErrCodeHTTPProxyDialFailed),
				fmt.Errorf("proxy server %s: %w", route.Address.HostPort(), err))
		}
	} else {
		conn, err = p.dialTarget(r.Context(), route, host, port)
	}
	if err != nil {
		logger.Error("Failed to forward request for %s: %v", r.URL, err)
		writeProxyErrorResponse(w, err)
		return
	}
	defer closeQuietly(conn, "outbound")

	if viaHTTPUpstream {
		// Credential injection on the initial request.
		if user, pass, ok := ResolveCredentials(route.Upstream); ok {
			outReq.Header.Set("Proxy-Authorization", BasicProxyAuth(user, pass))
		}
		err = outReq.WriteProxy(conn)
	} else {
		err = outReq.Write(conn)
	}
	if err != nil {
		logger.Error("Failed to write forwarded request for %s: %v", r.URL, err)
		writeProxyErrorResponse(w, err)
		return
	}

	respReader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(respReader, outReq)
	if err != nil {
		logger.Error("Failed to read forwarded response for %s: %v", r.URL, err)
		writeProxyErrorResponse(w, err)
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode == http.StatusSwitchingProtocols {
		p.tunnelUpgrade(w, flow, conn, respReader, resp)
		return
	}

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && !isClosedConnError(err) {
		logger.Warn("Error copying response body for %s: %v", r.URL, err)
	}
}

// tunnelUpgrade switches a 101 response (e.g. a WebSocket upgrade) into a
// raw byte relay between client and target.
func (p *Proxy) tunnelUpgrade(w http.ResponseWriter, flow *router.FlowInfo, targetConn net.Conn, targetReader *bufio.Reader, resp *http.Response) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("HTTP server does not support hijacking for upgrade")
		closeQuietly(targetConn, "target")
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("Failed to hijack connection for upgrade: %v", err)
		closeQuietly(targetConn, "target")
		return
	}

	if err := resp.Write(clientConn); err != nil {
		logger.Error("Failed to relay upgrade response: %v", err)
		closeQuietly(clientConn, "client")
		closeQuietly(targetConn, "target")
		return
	}

	// Bytes the reader buffered past the 101 already belong to the
	// upgraded protocol.
	var leftover []byte
	if n := targetReader.Buffered(); n > 0 {
		leftover = make([]byte, n)
		if _, err := io.ReadFull(targetReader, leftover); err != nil {
			logger.Error("Failed to drain buffered upgrade bytes: %v", err)
			closeQuietly(clientConn, "client")
			closeQuietly(targetConn, "target")
			return
		}
	}

	relay(clientConn, clientBuf, newBufferedConn(targetConn, leftover))

	if flow.WebSocket {
		p.hooks.HandleWebSocketEnd(flow)
	}
	p.hooks.HandleClientDisconnect(flow.Client)
}

// relay copies bytes between the client and target connections in both
// directions until either side closes, flushing any bytes the server
// already buffered from the client first.
func relay(clientConn net.Conn, clientBuf *bufio.ReadWriter, targetConn net.Conn) {
	defer closeQuietly(clientConn, "client")
	defer closeQuietly(targetConn, "target")

	var wg sync.WaitGroup
	wg.Add(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		defer wg.Done()
		defer cancel()
		if clientBuf != nil && clientBuf.Reader != nil && clientBuf.Reader.Buffered() > 0 {
			if _, err := clientBuf.WriteTo(targetConn); err != nil {
				if !isClosedConnError(err) {
					logger.Error("Failed to write buffered data to target: %v", err)
				}
				return
			}
		}
		if _, err := io.Copy(targetConn, clientConn); err != nil && !isClosedConnError(err) {
			logger.Warn("Tunnel copy error (client to target): %v", err)
		}
		if tcpConn, ok := targetConn.(*net.TCPConn); ok {
			_ = tcpConn.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		if _, err := io.Copy(clientConn, targetConn); err != nil && !isClosedConnError(err) {
			logger.Warn("Tunnel copy error (target to client): %v", err)
		}
		if tcpConn, ok := clientConn.(*net.TCPConn); ok {
			_ = tcpConn.CloseWrite()
		}
	}()

	go func() {
		<-ctx.Done()
		closeQuietly(clientConn, "client")
		closeQuietly(targetConn, "target")
	}()

	wg.Wait()
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// writeProxyErrorResponse maps an outbound failure onto a 502 response
// carrying the proxy error code.
func writeProxyErrorResponse(w http.ResponseWriter, err error) {
	code := ErrCodeUpstreamConnectFailed
	if proxyErr, ok := err.(*Error); ok {
		code = proxyErr.Code
	}
	w.Header().Set("X-Proxy-Error", code)
	http.Error(w, fmt.Sprintf("%s: %s", code, GetErrorDescription(code)), http.StatusBadGateway)
}
