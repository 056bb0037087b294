package proxy

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	gosocks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSocks5Server speaks the server side of the handshake over a pipe,
// following the given script function.
func mockSocks5Server(t *testing.T, serve func(conn net.Conn)) net.Conn {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	go serve(serverSide)
	t.Cleanup(func() {
		_ = clientSide.Close()
		_ = serverSide.Close()
	})
	return clientSide
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestEstablishSocks5NoAuth(t *testing.T) {
	payload := []byte("tunnel payload")
	conn := mockSocks5Server(t, func(conn net.Conn) {
		greeting := readExactly(t, conn, 3)
		assert.Equal(t, []byte{0x05, 0x01, 0x00}, greeting)
		_, err := conn.Write([]byte{0x05, 0x00})
		require.NoError(t, err)

		req := readExactly(t, conn, 4+4+2)
		assert.Equal(t, []byte{0x05, 0x01, 0x00, 0x01}, req[:4])

		// Reply and first tunnel bytes in a single write.
		reply := []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
		_, err = conn.Write(append(reply, payload...))
		require.NoError(t, err)
	})

	client, err := NewSocks5Client("192.0.2.10", 443, nil, nil)
	require.NoError(t, err)

	leftover, err := EstablishSocks5(conn, client, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, payload, leftover)
	assert.Equal(t, StateEstablished, client.State())
}

func TestEstablishSocks5WithAuth(t *testing.T) {
	conn := mockSocks5Server(t, func(conn net.Conn) {
		greeting := readExactly(t, conn, 4)
		assert.Equal(t, []byte{0x05, 0x02, 0x00, 0x02}, greeting)
		_, err := conn.Write([]byte{0x05, 0x02})
		require.NoError(t, err)

		authHeader := readExactly(t, conn, 2)
		assert.Equal(t, byte(0x01), authHeader[0])
		ulen := int(authHeader[1])
		user := readExactly(t, conn, ulen)
		plen := int(readExactly(t, conn, 1)[0])
		pass := readExactly(t, conn, plen)
		assert.Equal(t, "alice", string(user))
		assert.Equal(t, "secret", string(pass))
		_, err = conn.Write([]byte{0x01, 0x00})
		require.NoError(t, err)

		readExactly(t, conn, 4+1+len("example.com")+2)
		_, err = conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		require.NoError(t, err)
	})

	client, err := NewSocks5Client("example.com", 443, strPtr("alice"), strPtr("secret"))
	require.NoError(t, err)

	leftover, err := EstablishSocks5(conn, client, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, leftover)
}

func TestEstablishSocks5Refused(t *testing.T) {
	conn := mockSocks5Server(t, func(conn net.Conn) {
		readExactly(t, conn, 3)
		_, err := conn.Write([]byte{0x05, 0x00})
		require.NoError(t, err)
		readExactly(t, conn, 4+4+2)
		_, err = conn.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		require.NoError(t, err)
	})

	client, err := NewSocks5Client("192.0.2.10", 443, nil, nil)
	require.NoError(t, err)

	_, err = EstablishSocks5(conn, client, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Connection refused")
	assert.Equal(t, StateFailed, client.State())
}

func TestEstablishSocks5FragmentedReplies(t *testing.T) {
	conn := mockSocks5Server(t, func(conn net.Conn) {
		readExactly(t, conn, 3)
		// Deliver the method selection one byte at a time.
		for _, b := range []byte{0x05, 0x00} {
			_, err := conn.Write([]byte{b})
			require.NoError(t, err)
		}
		readExactly(t, conn, 4+4+2)
		reply := []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
		for _, b := range reply {
			_, err := conn.Write([]byte{b})
			require.NoError(t, err)
		}
	})

	client, err := NewSocks5Client("192.0.2.10", 443, nil, nil)
	require.NoError(t, err)

	leftover, err := EstablishSocks5(conn, client, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, leftover)
}

func TestEstablishSocks5Timeout(t *testing.T) {
	conn := mockSocks5Server(t, func(conn net.Conn) {
		readExactly(t, conn, 3)
		// Never reply.
	})

	client, err := NewSocks5Client("192.0.2.10", 443, nil, nil)
	require.NoError(t, err)

	_, err = EstablishSocks5(conn, client, 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "greeting")
}

// startEchoServer returns the address of a TCP server that echoes everything
// it reads.
func startEchoServer(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return listener.Addr().String()
}

func startSocks5Upstream(t *testing.T, conf *gosocks5.Config) string {
	t.Helper()
	server, err := gosocks5.New(conf)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() { _ = server.Serve(listener) }()
	return listener.Addr().String()
}

func TestEstablishSocks5AgainstRealServer(t *testing.T) {
	echoAddr := startEchoServer(t)
	socksAddr := startSocks5Upstream(t, &gosocks5.Config{})

	conn, err := net.Dial("tcp", socksAddr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	host, portStr, err := net.SplitHostPort(echoAddr)
	require.NoError(t, err)
	port64, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)

	client, err := NewSocks5Client(host, uint16(port64), nil, nil)
	require.NoError(t, err)

	leftover, err := EstablishSocks5(conn, client, 5*time.Second)
	require.NoError(t, err)

	tunnel := newBufferedConn(conn, leftover)
	msg := []byte("ping through the tunnel")
	_, err = tunnel.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(tunnel, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestEstablishSocks5AgainstRealServerWithAuth(t *testing.T) {
	echoAddr := startEchoServer(t)
	creds := gosocks5.StaticCredentials{"alice": "secret"}
	socksAddr := startSocks5Upstream(t, &gosocks5.Config{
		AuthMethods: []gosocks5.Authenticator{gosocks5.UserPassAuthenticator{Credentials: creds}},
	})

	conn, err := net.Dial("tcp", socksAddr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	host, portStr, err := net.SplitHostPort(echoAddr)
	require.NoError(t, err)
	port64, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)

	client, err := NewSocks5Client(host, uint16(port64), strPtr("alice"), strPtr("secret"))
	require.NoError(t, err)

	leftover, err := EstablishSocks5(conn, client, 5*time.Second)
	require.NoError(t, err)

	tunnel := newBufferedConn(conn, leftover)
	msg := []byte("authed ping")
	_, err = tunnel.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(tunnel, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestBufferedConnReplaysLeftoverFirst(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer func() { _ = clientSide.Close() }()
	defer func() { _ = serverSide.Close() }()

	conn := newBufferedConn(clientSide, []byte("head"))

	go func() {
		_, _ = serverSide.Write([]byte("tail"))
	}()

	got := make([]byte, 8)
	_, err := io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "headtail", string(got))
}

func TestBufferedConnWithoutLeftoverIsPassthrough(t *testing.T) {
	clientSide, _ := net.Pipe()
	defer func() { _ = clientSide.Close() }()
	assert.Same(t, clientSide, newBufferedConn(clientSide, nil))
}
