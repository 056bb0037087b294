package proxy

import (
	"encoding/base64"

	"github.com/codefionn/proxywahl/proxywahl-srv/router"
)

// ResolveCredentials returns the authentication material for an upstream,
// preferring credentials embedded in the upstream URL over the explicit
// configuration fields. The same resolved pair is used for the
// Proxy-Authorization header of HTTP-style upstreams and for the SOCKS5
// username/password subnegotiation of tunnel-style upstreams.
func ResolveCredentials(up *router.Upstream) (username, password string, ok bool) {
	if parsed, err := up.ParsedURL(); err == nil && parsed.User != nil {
		if user := parsed.User.Username(); user != "" {
			pass, _ := parsed.User.Password()
			return user, pass, true
		}
	}
	if up.Username != nil && up.Password != nil {
		return *up.Username, *up.Password, true
	}
	return "", "", false
}

// BasicProxyAuth builds the Proxy-Authorization header value for the given
// credentials.
func BasicProxyAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
