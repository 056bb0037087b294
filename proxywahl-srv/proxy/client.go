package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/codefionn/proxywahl/proxywahl-srv/logger"
	"github.com/codefionn/proxywahl/proxywahl-srv/router"
	"github.com/codefionn/proxywahl/proxywahl-srv/stats"
)

// bufferedConn replays bytes that arrived behind a handshake reply before
// reading from the underlying connection.
type bufferedConn struct {
	net.Conn
	leftover []byte
}

func newBufferedConn(conn net.Conn, leftover []byte) net.Conn {
	if len(leftover) == 0 {
		return conn
	}
	return &bufferedConn{Conn: conn, leftover: leftover}
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(b, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// dialTarget establishes a TCP connection to targetHost:targetPort, going
// through the routed upstream when one was selected and directly otherwise.
func (p *Proxy) dialTarget(ctx context.Context, route *router.Route, targetHost string, targetPort uint16) (net.Conn, error) {
	targetAddr := net.JoinHostPort(targetHost, fmt.Sprintf("%d", targetPort))

	if route == nil {
		logger.Debug("No upstream routed for %s, using direct connection", targetAddr)
		conn, err := p.dialer().DialContext(ctx, "tcp", targetAddr)
		if err != nil {
			return nil, NewConnectionError(ErrCodeDialFailed, GetErrorDescription(ErrCodeDialFailed),
				fmt.Errorf("direct dial to %s: %w", targetAddr, err))
		}
		return conn, nil
	}

	if route.Address.Scheme == router.SchemeSocks5 {
		logger.Debug("Using SOCKS5 upstream %s (%s) for %s", route.Upstream.Name, route.Address.HostPort(), targetAddr)
		return p.dialSocks5(ctx, route, targetHost, targetPort)
	}

	logger.Debug("Using HTTP upstream %s (%s) for %s", route.Upstream.Name, route.Address.HostPort(), targetAddr)
	return p.dialHTTPProxy(ctx, route, targetAddr)
}

func (p *Proxy) dialer() *net.Dialer {
	return &net.Dialer{Timeout: p.timeout}
}

// dialSocks5 connects to the SOCKS5 upstream and negotiates a tunnel to the
// target by driving the handshake state machine over the connection.
func (p *Proxy) dialSocks5(ctx context.Context, route *router.Route, targetHost string, targetPort uint16) (net.Conn, error) {
	conn, err := p.dialer().DialContext(ctx, "tcp", route.Address.HostPort())
	if err != nil {
		return nil, NewProxyChainError(ErrCodeUpstreamConnectFailed, GetErrorDescription(ErrCodeUpstreamConnectFailed),
			fmt.Errorf("upstream %s: %w", route.Address.HostPort(), err))
	}

	var username, password *string
	if user, pass, ok := ResolveCredentials(route.Upstream); ok {
		username, password = &user, &pass
	}

	client, err := NewSocks5Client(targetHost, targetPort, username, password)
	if err != nil {
		closeQuietly(conn, "SOCKS5 upstream")
		return nil, err
	}

	targetAddr := net.JoinHostPort(targetHost, fmt.Sprintf("%d", targetPort))
	leftover, err := EstablishSocks5(conn, client, p.timeout)
	if err != nil {
		closeQuietly(conn, "SOCKS5 upstream")
		tunnelHandshakes.WithLabelValues(stats.TunnelFailed).Inc()
		if recErr := p.collector.RecordTunnel(ctx, route.Upstream.Name, targetAddr, stats.TunnelFailed, err.Error()); recErr != nil {
			logger.Error("Failed to record tunnel outcome: %v", recErr)
		}
		return nil, NewProxyChainError(ErrCodeSocks5HandshakeFailed, GetErrorDescription(ErrCodeSocks5HandshakeFailed),
			fmt.Errorf("upstream %s, target %s: %w", route.Address.HostPort(), targetAddr, err))
	}

	tunnelHandshakes.WithLabelValues(stats.TunnelEstablished).Inc()
	if recErr := p.collector.RecordTunnel(ctx, route.Upstream.Name, targetAddr, stats.TunnelEstablished, ""); recErr != nil {
		logger.Error("Failed to record tunnel outcome: %v", recErr)
	}
	logger.Debug("SOCKS5 tunnel established via %s to %s (%d leftover bytes)",
		route.Address.HostPort(), targetAddr, len(leftover))
	return newBufferedConn(conn, leftover), nil
}

// EstablishSocks5 drives the handshake state machine over conn: it writes
// the greeting, feeds received bytes into the machine and writes every
// emitted message, until the tunnel is established or the negotiation
// fails. On success it returns any bytes that arrived behind the final
// reply; those belong to the upper protocol layer.
func EstablishSocks5(conn net.Conn, client *Socks5Client, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("setting handshake deadline: %w", err)
		}
		defer func() {
			if err := conn.SetDeadline(time.Time{}); err != nil {
				logger.Error("Failed to clear handshake deadline: %v", err)
			}
		}()
	}

	if _, err := conn.Write(client.Greeting()); err != nil {
		return nil, fmt.Errorf("writing SOCKS5 greeting: %w", err)
	}

	readBuf := make([]byte, 4096)
	outcome := client.Feed(nil)
	for {
		switch outcome.Kind {
		case OutcomeNeedMore:
			n, err := conn.Read(readBuf)
			if err != nil {
				return nil, fmt.Errorf("reading SOCKS5 reply in state %s: %w", client.State(), err)
			}
			outcome = client.Feed(readBuf[:n])
		case OutcomeEmit:
			if _, err := conn.Write(outcome.Send); err != nil {
				return nil, fmt.Errorf("writing SOCKS5 message in state %s: %w", client.State(), err)
			}
			outcome = client.Feed(nil)
		case OutcomeDone:
			return outcome.Leftover, nil
		case OutcomeFailed:
			return nil, outcome.Err
		default:
			return nil, fmt.Errorf("unexpected handshake outcome %d", outcome.Kind)
		}
	}
}

// dialHTTPProxy establishes a tunnel to the target through an HTTP-style
// upstream using a CONNECT request, injecting Proxy-Authorization when
// credentials are available.
func (p *Proxy) dialHTTPProxy(ctx context.Context, route *router.Route, targetHostPort string) (net.Conn, error) {
	proxyConn, err := p.dialer().DialContext(ctx, "tcp", route.Address.HostPort())
	if err != nil {
		return nil, NewProxyChainError(ErrCodeHTTPProxyDialFailed, GetErrorDescription(ErrCodeHTTPProxyDialFailed),
			fmt.Errorf("proxy server %s: %w", route.Address.HostPort(), err))
	}

	connectReq, err := http.NewRequest(http.MethodConnect, "http://"+targetHostPort, http.NoBody)
	if err != nil {
		closeQuietly(proxyConn, "HTTP upstream")
		return nil, NewProxyChainError(ErrCodeCONNECTRequestFailed, GetErrorDescription(ErrCodeCONNECTRequestFailed),
			fmt.Errorf("creating for target %s: %w", targetHostPort, err))
	}
	connectReq.Host = targetHostPort
	connectReq.Header.Set("Proxy-Connection", "keep-alive")

	// Some upstream chains require credentials both here and on the
	// initial request, so the header is injected in both places.
	if user, pass, ok := ResolveCredentials(route.Upstream); ok {
		connectReq.Header.Set("Proxy-Authorization", BasicProxyAuth(user, pass))
		logger.Debug("Added Proxy-Authorization header for user %s", user)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		closeQuietly(proxyConn, "HTTP upstream")
		return nil, NewProxyChainError(ErrCodeCONNECTRequestFailed, GetErrorDescription(ErrCodeCONNECTRequestFailed),
			fmt.Errorf("sending to proxy %s: %w", route.Address.HostPort(), err))
	}

	proxyReader := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(proxyReader, connectReq)
	if err != nil {
		closeQuietly(proxyConn, "HTTP upstream")
		return nil, NewProxyChainError(ErrCodeCONNECTResponseFailed, GetErrorDescription(ErrCodeCONNECTResponseFailed),
			fmt.Errorf("reading from proxy %s: %w", route.Address.HostPort(), err))
	}
	defer func() {
		if closeErr := connectResp.Body.Close(); closeErr != nil {
			logger.Error("Error closing CONNECT response body: %v", closeErr)
		}
	}()

	if connectResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		closeQuietly(proxyConn, "HTTP upstream")
		errMsg := fmt.Sprintf("proxy %s denied CONNECT to %s with status %s. Body: %s",
			route.Address.HostPort(), targetHostPort, connectResp.Status, string(bodyBytes))
		logger.Error("%s", errMsg)
		return nil, NewProxyChainError(ErrCodeProxyDenied, GetErrorDescription(ErrCodeProxyDenied), fmt.Errorf("%s", errMsg))
	}

	// A successful CONNECT consumes only the status line and headers; any
	// bytes the reader buffered past them belong to the tunnel.
	var leftover []byte
	if n := proxyReader.Buffered(); n > 0 {
		leftover = make([]byte, n)
		if _, err := io.ReadFull(proxyReader, leftover); err != nil {
			closeQuietly(proxyConn, "HTTP upstream")
			return nil, NewProxyChainError(ErrCodeCONNECTResponseFailed, GetErrorDescription(ErrCodeCONNECTResponseFailed),
				fmt.Errorf("draining buffered tunnel bytes: %w", err))
		}
	}

	logger.Debug("CONNECT tunnel established via proxy %s to %s", route.Address.HostPort(), targetHostPort)
	return newBufferedConn(proxyConn, leftover), nil
}

func closeQuietly(conn net.Conn, what string) {
	if err := conn.Close(); err != nil {
		logger.Error("Error closing %s connection: %v", what, err)
	}
}
