package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	gosocks5 "github.com/armon/go-socks5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/proxywahl/proxywahl-srv/config"
	"github.com/codefionn/proxywahl/proxywahl-srv/router"
	"github.com/codefionn/proxywahl/proxywahl-srv/stats"
)

// tunnelRecorder captures RecordTunnel calls for assertions.
type tunnelRecorder struct {
	mu      sync.Mutex
	tunnels []recordedTunnel
}

type recordedTunnel struct {
	proxyName  string
	targetAddr string
	result     string
}

func (c *tunnelRecorder) RecordSelection(context.Context, string, string, uint16, string, string) error {
	return nil
}

func (c *tunnelRecorder) RecordTunnel(_ context.Context, proxyName, targetAddr, result, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tunnels = append(c.tunnels, recordedTunnel{proxyName, targetAddr, result})
	return nil
}

func (c *tunnelRecorder) HealthCheck(context.Context) error { return nil }
func (c *tunnelRecorder) Close() error                      { return nil }

func (c *tunnelRecorder) snapshot() []recordedTunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recordedTunnel(nil), c.tunnels...)
}

func buildHooks(t *testing.T, proxies ...*config.UpstreamProxy) *router.Hooks {
	t.Helper()
	selector := router.NewSelector()
	if len(proxies) > 0 {
		reg, err := router.BuildRegistry(&config.Config{Proxies: proxies})
		require.NoError(t, err)
		selector.SetRegistry(reg)
	}
	return router.NewHooks(selector, nil)
}

func startTestProxy(t *testing.T, hooks *router.Hooks, recorder *tunnelRecorder) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var collector stats.Collector
	if recorder != nil {
		collector = recorder
	}

	p := NewProxy(listener.Addr().String(), 5*time.Second, hooks, collector)
	go func() { _ = p.StartWithListener(listener) }()
	t.Cleanup(func() { _ = p.Stop() })
	return listener.Addr().String()
}

// doConnect opens a CONNECT tunnel through the proxy and returns the raw
// tunnel connection after the 200 response.
func doConnect(t *testing.T, proxyAddr, targetAddr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetAddr, targetAddr)
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Zero(t, reader.Buffered(), "no tunnel bytes expected behind the response yet")
	return conn
}

func TestConnectDirectWhenUnrouted(t *testing.T) {
	echoAddr := startEchoServer(t)
	proxyAddr := startTestProxy(t, buildHooks(t), nil)

	tunnel := doConnect(t, proxyAddr, echoAddr)

	msg := []byte("direct tunnel bytes")
	_, err := tunnel.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(tunnel, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestConnectViaSocks5Upstream(t *testing.T) {
	echoAddr := startEchoServer(t)
	socksAddr := startSocks5Upstream(t, &gosocks5.Config{})

	recorder := &tunnelRecorder{}
	hooks := buildHooks(t, &config.UpstreamProxy{
		Name:  "socks",
		URL:   "socks5://" + socksAddr,
		Rules: []config.Rule{&config.RuleHostPattern{Pattern: "127.0.0.1"}},
	})
	proxyAddr := startTestProxy(t, hooks, recorder)

	tunnel := doConnect(t, proxyAddr, echoAddr)

	msg := []byte("routed tunnel bytes")
	_, err := tunnel.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(tunnel, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	tunnels := recorder.snapshot()
	require.Len(t, tunnels, 1)
	assert.Equal(t, "socks", tunnels[0].proxyName)
	assert.Equal(t, echoAddr, tunnels[0].targetAddr)
	assert.Equal(t, "established", tunnels[0].result)
}

func TestConnectSocks5UpstreamUnreachable(t *testing.T) {
	echoAddr := startEchoServer(t)

	hooks := buildHooks(t, &config.UpstreamProxy{
		Name: "dead",
		// Reserved TEST-NET address, nothing listens there.
		URL:   "socks5://192.0.2.1:1080",
		Rules: []config.Rule{&config.RuleDefault{}},
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := NewProxy(listener.Addr().String(), 500*time.Millisecond, hooks, nil)
	go func() { _ = p.StartWithListener(listener) }()
	t.Cleanup(func() { _ = p.Stop() })

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", echoAddr, echoAddr)
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Proxy-Error"))
}

func TestForwardRequestDirect(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Target", "yes")
		_, _ = fmt.Fprint(w, "hello from target")
	}))
	t.Cleanup(target.Close)

	proxyAddr := startTestProxy(t, buildHooks(t), nil)
	client := proxiedHTTPClient(t, proxyAddr)

	resp, err := client.Get(target.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Target"))
	assert.Equal(t, "hello from target", string(body))
}

func TestForwardRequestRejectsOriginForm(t *testing.T) {
	proxyAddr := startTestProxy(t, buildHooks(t), nil)

	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = fmt.Fprint(conn, "GET /not-absolute HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestForwardRequestViaHTTPUpstreamInjectsCredentials(t *testing.T) {
	var gotAuth string
	var gotURI string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Proxy-Authorization")
		gotURI = r.RequestURI
		_, _ = fmt.Fprint(w, "via upstream")
	}))
	t.Cleanup(upstream.Close)

	hooks := buildHooks(t, &config.UpstreamProxy{
		Name:  "corp",
		URL:   "http://alice:secret@" + upstream.Listener.Addr().String(),
		Rules: []config.Rule{&config.RuleDefault{}},
	})
	proxyAddr := startTestProxy(t, hooks, nil)
	client := proxiedHTTPClient(t, proxyAddr)

	resp, err := client.Get("http://target.example/path")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "via upstream", string(body))
	assert.Equal(t, BasicProxyAuth("alice", "secret"), gotAuth)
	assert.Equal(t, "http://target.example/path", gotURI, "upstream receives the absolute form")
}

func TestConnectViaHTTPUpstreamInjectsCredentials(t *testing.T) {
	echoAddr := startEchoServer(t)

	var gotAuth string
	upstreamProxy := startHTTPConnectProxy(t, func(r *http.Request) {
		gotAuth = r.Header.Get("Proxy-Authorization")
	})

	hooks := buildHooks(t, &config.UpstreamProxy{
		Name:  "corp",
		URL:   "http://bob:hunter2@" + upstreamProxy,
		Rules: []config.Rule{&config.RuleHostPattern{Pattern: "127.0.0.1"}},
	})
	proxyAddr := startTestProxy(t, hooks, nil)

	tunnel := doConnect(t, proxyAddr, echoAddr)

	msg := []byte("chained tunnel bytes")
	_, err := tunnel.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(tunnel, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
	assert.Equal(t, BasicProxyAuth("bob", "hunter2"), gotAuth)
}

func TestWebSocketThroughConnectTunnel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()
		for {
			mt, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, message); err != nil {
				return
			}
		}
	}))
	t.Cleanup(target.Close)

	socksAddr := startSocks5Upstream(t, &gosocks5.Config{})
	hooks := buildHooks(t, &config.UpstreamProxy{
		Name:  "socks",
		URL:   "socks5://" + socksAddr,
		Rules: []config.Rule{&config.RuleHostPattern{Pattern: "127.0.0.1"}},
	})
	proxyAddr := startTestProxy(t, hooks, nil)

	proxyURL, err := url.Parse("http://" + proxyAddr)
	require.NoError(t, err)
	dialer := websocket.Dialer{
		Proxy:            http.ProxyURL(proxyURL),
		HandshakeTimeout: 5 * time.Second,
	}

	wsURL := "ws" + target.URL[len("http"):]
	ws, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = ws.Close() }()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping over tunnel")))
	_, message, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping over tunnel", string(message))

	// The tunnel session holds exactly one affinity entry keyed without the
	// port, so reconnects of the same session stay on the same upstream.
	assert.Equal(t, 1, hooks.Selector().Cache().Len())
}

// proxiedHTTPClient returns an HTTP client that sends everything through the
// proxy under test.
func proxiedHTTPClient(t *testing.T, proxyAddr string) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse("http://" + proxyAddr)
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
	t.Cleanup(client.CloseIdleConnections)
	return client
}

// startHTTPConnectProxy runs a minimal CONNECT-only proxy that invokes
// inspect on each CONNECT request before tunneling.
func startHTTPConnectProxy(t *testing.T, inspect func(*http.Request)) string {
	t.Helper()
	server := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodConnect {
				http.Error(w, "CONNECT only", http.StatusMethodNotAllowed)
				return
			}
			inspect(r)

			targetConn, err := net.Dial("tcp", r.Host)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			clientConn, clientBuf, err := w.(http.Hijacker).Hijack()
			if err != nil {
				_ = targetConn.Close()
				return
			}
			_, _ = fmt.Fprint(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n")
			relay(clientConn, clientBuf, targetConn)
		}),
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(func() { _ = server.Close() })
	return listener.Addr().String()
}
