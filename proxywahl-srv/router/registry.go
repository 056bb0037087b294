package router

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"github.com/codefionn/proxywahl/proxywahl-srv/config"
	"github.com/codefionn/proxywahl/proxywahl-srv/logger"
)

// SchemeSocks5 is the URL scheme of tunnel-protocol upstreams.
const SchemeSocks5 = "socks5"

// Upstream is a configured upstream proxy with its rules compiled for
// matching. Instances are immutable after registry construction.
type Upstream struct {
	Name     string
	URL      string
	Weight   int
	Username *string
	Password *string

	rules    []config.Rule
	matchers []matcher
}

// Matches reports whether any of the upstream's rules matches the flow
// (logical OR; a proxy needs only one satisfied rule). An upstream with no
// rules never matches.
func (u *Upstream) Matches(f Flow) bool {
	for _, m := range u.matchers {
		if m.matches(f) {
			return true
		}
	}
	return false
}

// Rules returns the upstream's configured rules.
func (u *Upstream) Rules() []config.Rule {
	return u.rules
}

// ParsedURL parses the upstream's URL.
func (u *Upstream) ParsedURL() (*url.URL, error) {
	return url.Parse(u.URL)
}

// IsTunnel reports whether the upstream speaks the SOCKS5 tunnel protocol.
func (u *Upstream) IsTunnel() bool {
	parsed, err := u.ParsedURL()
	if err != nil {
		return false
	}
	return parsed.Scheme == SchemeSocks5
}

// Address is a resolved upstream endpoint: scheme plus host and port.
type Address struct {
	Scheme string
	Host   string
	Port   uint16
}

// HostPort returns the address in host:port form.
func (a *Address) HostPort() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Address resolves the upstream URL into scheme, host and port. The scheme
// drives the default port when the URL omits one: 80 for http, 443 for
// https, 1080 for socks5.
func (u *Upstream) Address() (*Address, error) {
	parsed, err := u.ParsedURL()
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", u.URL, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	host := parsed.Hostname()
	if scheme == "" || host == "" {
		return nil, fmt.Errorf("upstream URL %q is missing scheme or host", u.URL)
	}

	var port uint16
	if portStr := parsed.Port(); portStr != "" {
		parsedPort, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("upstream URL %q has invalid port: %w", u.URL, err)
		}
		port = uint16(parsedPort)
	} else {
		switch scheme {
		case SchemeSocks5:
			port = 1080
		case "https":
			port = 443
		default:
			port = 80
		}
	}

	return &Address{Scheme: scheme, Host: host, Port: port}, nil
}

// Registry holds the compiled set of configured upstream proxies. It is
// built once from a configuration and replaced wholesale on reload; it is
// never mutated in place, so concurrent readers always observe a complete
// set.
type Registry struct {
	Candidates []*Upstream
	Default    *Upstream
	Loaded     bool

	// Literal (wildcard-free) host patterns of all candidates are indexed
	// in an Aho-Corasick trie so a single scan of the target host covers
	// them. Wildcard patterns and port rules still go through the
	// per-candidate matchers.
	trie       *ahocorasick.Trie
	trieOwners []int
}

// NewRegistry builds an empty, unloaded registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// BuildRegistry compiles a configuration into a loaded registry. When more
// than one proxy carries a default rule, the last one in file order wins.
func BuildRegistry(cfg *config.Config) (*Registry, error) {
	reg := &Registry{Loaded: true}

	var literalPatterns []string
	for _, pc := range cfg.Proxies {
		up := &Upstream{
			Name:     pc.Name,
			URL:      pc.URL,
			Weight:   pc.Weight,
			Username: pc.Username,
			Password: pc.Password,
			rules:    pc.Rules,
		}
		if up.Weight <= 0 {
			up.Weight = 1
		}
		for _, rule := range pc.Rules {
			m, err := compileRule(rule)
			if err != nil {
				return nil, fmt.Errorf("proxy %s: %w", pc.Name, err)
			}
			up.matchers = append(up.matchers, m)
		}

		if pc.IsDefault() {
			if reg.Default != nil {
				logger.Warn("Multiple default proxies configured; %s replaces %s", up.Name, reg.Default.Name)
			}
			reg.Default = up
			continue
		}

		idx := len(reg.Candidates)
		reg.Candidates = append(reg.Candidates, up)

		for _, rule := range pc.Rules {
			hp, ok := rule.(*config.RuleHostPattern)
			if !ok || strings.Contains(hp.Pattern, "*") {
				continue
			}
			literalPatterns = append(literalPatterns, hp.Pattern)
			reg.trieOwners = append(reg.trieOwners, idx)
		}
	}

	if len(literalPatterns) > 0 {
		reg.trie = ahocorasick.NewTrieBuilder().AddStrings(literalPatterns).Build()
	}

	logger.Info("Registry built: %d candidate proxies, default=%s",
		len(reg.Candidates), registryDefaultName(reg))
	return reg, nil
}

func registryDefaultName(reg *Registry) string {
	if reg.Default == nil {
		return "<none>"
	}
	return reg.Default.Name
}

// literalHits returns the set of candidate indices whose literal host
// patterns occur as substrings of host.
func (r *Registry) literalHits(host string) map[int]bool {
	if r.trie == nil || host == "" {
		return nil
	}
	matches := r.trie.MatchString(host)
	if len(matches) == 0 {
		return nil
	}
	hits := make(map[int]bool, len(matches))
	for _, m := range matches {
		hits[r.trieOwners[m.Pattern()]] = true
	}
	return hits
}
