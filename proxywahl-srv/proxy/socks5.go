package proxy

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// SOCKS5 protocol constants (RFC 1928 / RFC 1929).
const (
	socks5Version = 0x05

	socks5MethodNoAuth       = 0x00
	socks5MethodUserPass     = 0x02
	socks5MethodNoAcceptable = 0xFF

	socks5CmdConnect = 0x01

	socks5AtypIPv4   = 0x01
	socks5AtypDomain = 0x03
	socks5AtypIPv6   = 0x04

	socks5AuthVersion = 0x01

	socks5RepSucceeded = 0x00
)

// socks5ReplyMessages maps SOCKS5 reply codes to human-readable reasons.
var socks5ReplyMessages = map[byte]string{
	0x00: "Succeeded",
	0x01: "General failure",
	0x02: "Connection not allowed",
	0x03: "Network unreachable",
	0x04: "Host unreachable",
	0x05: "Connection refused",
	0x06: "TTL expired",
	0x07: "Command not supported",
	0x08: "Address type not supported",
}

func socks5ReplyMessage(rep byte) string {
	if msg, ok := socks5ReplyMessages[rep]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown error code: %d", rep)
}

// Socks5State is the negotiation state of a Socks5Client.
type Socks5State int

const (
	// StateGreeting awaits the server's method selection.
	StateGreeting Socks5State = iota
	// StateAuthenticating awaits the username/password subnegotiation reply.
	StateAuthenticating
	// StateConnecting awaits the CONNECT reply.
	StateConnecting
	// StateEstablished means the tunnel is open.
	StateEstablished
	// StateFailed is terminal; the caller must close the connection.
	StateFailed
)

func (s Socks5State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OutcomeKind classifies the result of feeding bytes into the state machine.
type OutcomeKind int

const (
	// OutcomeNeedMore means the buffered bytes do not yet form a complete
	// message; nothing was consumed.
	OutcomeNeedMore OutcomeKind = iota
	// OutcomeEmit means a message was consumed and Send must be written to
	// the upstream; the handshake continues.
	OutcomeEmit
	// OutcomeDone means the tunnel is established; Leftover holds any bytes
	// that already belong to the upper protocol layer.
	OutcomeDone
	// OutcomeFailed means a protocol violation occurred; Err describes it
	// and the connection must be closed.
	OutcomeFailed
)

// Outcome is the result of one Feed call.
type Outcome struct {
	Kind     OutcomeKind
	Send     []byte
	Leftover []byte
	Err      error
}

// Socks5Client drives the client side of a SOCKS5 tunnel negotiation as an
// explicit state machine over a byte buffer. It performs no I/O itself: the
// caller writes the greeting and every emitted message to the upstream and
// feeds received bytes in as they arrive, in chunks of any size.
type Socks5Client struct {
	buf   []byte
	state Socks5State

	username string
	password string
	hasAuth  bool

	connectRequest []byte
}

// NewSocks5Client prepares a handshake towards targetHost:targetPort.
// Credentials are optional; when both username and password are given the
// greeting also advertises username/password authentication. Usernames,
// passwords and domain names longer than 255 bytes cannot be represented in
// the protocol's single length byte and are rejected here.
func NewSocks5Client(targetHost string, targetPort uint16, username, password *string) (*Socks5Client, error) {
	c := &Socks5Client{state: StateGreeting}

	if username != nil && password != nil {
		if len(*username) > 255 || len(*password) > 255 {
			return nil, NewProxyChainError(ErrCodeCredentialsTooLong,
				GetErrorDescription(ErrCodeCredentialsTooLong),
				fmt.Errorf("username or password exceeds 255 bytes"))
		}
		c.username = *username
		c.password = *password
		c.hasAuth = true
	}

	req, err := encodeSocks5ConnectRequest(targetHost, targetPort)
	if err != nil {
		return nil, err
	}
	c.connectRequest = req

	return c, nil
}

// State returns the current negotiation state.
func (c *Socks5Client) State() Socks5State {
	return c.state
}

// Greeting returns the initial greeting message. This is the single write
// the caller performs before any input is received.
func (c *Socks5Client) Greeting() []byte {
	if c.hasAuth {
		return []byte{socks5Version, 2, socks5MethodNoAuth, socks5MethodUserPass}
	}
	return []byte{socks5Version, 1, socks5MethodNoAuth}
}

// Feed appends data to the receive buffer and advances the state machine as
// far as the buffered bytes allow. Feeding an empty slice is valid and
// re-examines bytes buffered by an earlier call.
func (c *Socks5Client) Feed(data []byte) Outcome {
	c.buf = append(c.buf, data...)

	switch c.state {
	case StateGreeting:
		return c.handleGreeting()
	case StateAuthenticating:
		return c.handleAuthReply()
	case StateConnecting:
		return c.handleConnectReply()
	case StateEstablished:
		return c.fail(fmt.Errorf("handshake already established"))
	case StateFailed:
		return c.fail(fmt.Errorf("handshake already failed"))
	default:
		return c.fail(fmt.Errorf("unknown SOCKS5 state: %d", c.state))
	}
}

func (c *Socks5Client) needMore() Outcome {
	return Outcome{Kind: OutcomeNeedMore}
}

func (c *Socks5Client) emit(send []byte) Outcome {
	return Outcome{Kind: OutcomeEmit, Send: send}
}

func (c *Socks5Client) fail(err error) Outcome {
	c.state = StateFailed
	return Outcome{Kind: OutcomeFailed, Err: err}
}

func (c *Socks5Client) handleGreeting() Outcome {
	if len(c.buf) < 2 {
		return c.needMore()
	}

	if c.buf[0] != socks5Version {
		return c.fail(fmt.Errorf("invalid SOCKS version: expected 0x%02x, got 0x%02x", socks5Version, c.buf[0]))
	}

	method := c.buf[1]
	switch method {
	case socks5MethodNoAcceptable:
		return c.fail(fmt.Errorf("SOCKS5 server accepted none of the offered authentication methods"))
	case socks5MethodUserPass:
		if !c.hasAuth {
			return c.fail(fmt.Errorf("SOCKS5 server requires username/password authentication, but no credentials are configured"))
		}
		c.buf = c.buf[2:]
		c.state = StateAuthenticating
		return c.emit(c.encodeAuthRequest())
	case socks5MethodNoAuth:
		c.buf = c.buf[2:]
		c.state = StateConnecting
		return c.emit(c.connectRequest)
	default:
		return c.fail(fmt.Errorf("unsupported SOCKS5 authentication method: 0x%02x", method))
	}
}

func (c *Socks5Client) encodeAuthRequest() []byte {
	req := make([]byte, 0, 3+len(c.username)+len(c.password))
	req = append(req, socks5AuthVersion, byte(len(c.username)))
	req = append(req, c.username...)
	req = append(req, byte(len(c.password)))
	req = append(req, c.password...)
	return req
}

func (c *Socks5Client) handleAuthReply() Outcome {
	if len(c.buf) < 2 {
		return c.needMore()
	}

	if c.buf[0] != socks5AuthVersion {
		return c.fail(fmt.Errorf("invalid auth subnegotiation version: expected 0x%02x, got 0x%02x", socks5AuthVersion, c.buf[0]))
	}
	if status := c.buf[1]; status != 0x00 {
		return c.fail(fmt.Errorf("SOCKS5 authentication failed with status %d", status))
	}

	c.buf = c.buf[2:]
	c.state = StateConnecting
	return c.emit(c.connectRequest)
}

func (c *Socks5Client) handleConnectReply() Outcome {
	if len(c.buf) < 4 {
		return c.needMore()
	}

	if c.buf[0] != socks5Version {
		return c.fail(fmt.Errorf("invalid SOCKS version in reply: expected 0x%02x, got 0x%02x", socks5Version, c.buf[0]))
	}
	if rep := c.buf[1]; rep != socks5RepSucceeded {
		return c.fail(fmt.Errorf("SOCKS5 upstream refused connection: %s", socks5ReplyMessage(rep)))
	}
	if c.buf[2] != 0x00 {
		return c.fail(fmt.Errorf("invalid reserved byte in SOCKS5 reply: 0x%02x", c.buf[2]))
	}

	// The reply is variable length; the address type decides how many bytes
	// must be buffered before anything is consumed.
	var addrLen int
	switch atyp := c.buf[3]; atyp {
	case socks5AtypIPv4:
		addrLen = 4
	case socks5AtypIPv6:
		addrLen = 16
	case socks5AtypDomain:
		if len(c.buf) < 5 {
			return c.needMore()
		}
		addrLen = 1 + int(c.buf[4])
	default:
		return c.fail(fmt.Errorf("unsupported address type in SOCKS5 reply: 0x%02x", atyp))
	}

	total := 4 + addrLen + 2
	if len(c.buf) < total {
		return c.needMore()
	}

	// Bytes past the reply already belong to the upper protocol layer and
	// must be handed over unconsumed.
	leftover := append([]byte(nil), c.buf[total:]...)
	c.buf = nil
	c.state = StateEstablished
	return Outcome{Kind: OutcomeDone, Leftover: leftover}
}

// encodeSocks5ConnectRequest frames a CONNECT request for the tunnel target:
// IPv4 literal, IPv6 literal or domain name, followed by the big-endian port.
func encodeSocks5ConnectRequest(host string, port uint16) ([]byte, error) {
	req := []byte{socks5Version, socks5CmdConnect, 0x00}

	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Is4() {
			b := addr.As4()
			req = append(req, socks5AtypIPv4)
			req = append(req, b[:]...)
		} else {
			b := addr.As16()
			req = append(req, socks5AtypIPv6)
			req = append(req, b[:]...)
		}
	} else {
		if len(host) > 255 {
			return nil, NewProxyChainError(ErrCodeSocks5ConnectFailed,
				GetErrorDescription(ErrCodeSocks5ConnectFailed),
				fmt.Errorf("domain name %q exceeds 255 bytes", host))
		}
		req = append(req, socks5AtypDomain, byte(len(host)))
		req = append(req, host...)
	}

	return binary.BigEndian.AppendUint16(req, port), nil
}
