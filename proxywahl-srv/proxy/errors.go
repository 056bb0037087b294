package proxy

import "fmt"

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration Errors (E1000-E1999)
	ErrCodeConfigLoadFailed  = "E1001"
	ErrCodeRegistryNotLoaded = "E1002"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeDialFailed            = "E2001"
	ErrCodeInvalidAddress        = "E2002"
	ErrCodeUpstreamConnectFailed = "E2003"

	// Proxy Chain and Tunnel Errors (E6000-E6999)
	ErrCodeSocks5HandshakeFailed = "E6001"
	ErrCodeSocks5ConnectFailed   = "E6002"
	ErrCodeHTTPProxyDialFailed   = "E6003"
	ErrCodeCONNECTRequestFailed  = "E6004"
	ErrCodeCONNECTResponseFailed = "E6005"
	ErrCodeProxyDenied           = "E6006"
	ErrCodeCredentialsTooLong    = "E6007"

	// Internal Errors (E9900-E9999)
	ErrCodeInternalError = "E9901"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeConfigLoadFailed:  "Failed to load upstream configuration",
	ErrCodeRegistryNotLoaded: "No upstream configuration loaded",

	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeInvalidAddress:        "Invalid network address format",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream proxy",

	ErrCodeSocks5HandshakeFailed: "SOCKS5 handshake with upstream failed",
	ErrCodeSocks5ConnectFailed:   "SOCKS5 connect through upstream failed",
	ErrCodeHTTPProxyDialFailed:   "Failed to dial HTTP proxy server",
	ErrCodeCONNECTRequestFailed:  "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed: "Failed to read CONNECT response",
	ErrCodeProxyDenied:           "Proxy request denied",
	ErrCodeCredentialsTooLong:    "Proxy credentials exceed protocol limits",

	ErrCodeInternalError: "Internal proxy error",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// NewConnectionError creates a connection-related error
func NewConnectionError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewProxyChainError creates a proxy chain-related error
func NewProxyChainError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E2000" && proxyErr.Code < "E3000"
	}
	return false
}

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E6000" && proxyErr.Code < "E7000"
	}
	return false
}
