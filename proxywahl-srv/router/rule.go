package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/codefionn/proxywahl/proxywahl-srv/config"
)

// matcher is a compiled rule predicate over a flow's observable attributes.
type matcher interface {
	matches(f Flow) bool
}

// hostPatternMatcher performs an unanchored substring search of the compiled
// pattern over the target host. "*" in the pattern matches anything, all
// other characters match literally. Note that because the search is not
// anchored, the pattern "example.com" also matches hosts such as
// "evil-example.com.attacker.net".
type hostPatternMatcher struct {
	re *regexp.Regexp
}

func (m *hostPatternMatcher) matches(f Flow) bool {
	host := f.TargetHost()
	if host == "" {
		return false
	}
	return m.re.MatchString(host)
}

// portMatcher matches on target port equality. A flow without a port (port
// zero) never matches.
type portMatcher struct {
	port uint16
}

func (m *portMatcher) matches(f Flow) bool {
	return f.TargetPort() != 0 && f.TargetPort() == m.port
}

// defaultMatcher matches every flow.
type defaultMatcher struct{}

func (m *defaultMatcher) matches(Flow) bool {
	return true
}

// compileHostPattern turns a wildcard pattern into a substring-search regexp:
// "*" becomes ".*", everything else is escaped.
func compileHostPattern(pattern string) (*regexp.Regexp, error) {
	expr := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `.*`)
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid host pattern %q: %w", pattern, err)
	}
	return re, nil
}

// compileRule compiles a configuration rule into a matcher.
func compileRule(rule config.Rule) (matcher, error) {
	switch r := rule.(type) {
	case *config.RuleHostPattern:
		re, err := compileHostPattern(r.Pattern)
		if err != nil {
			return nil, err
		}
		return &hostPatternMatcher{re: re}, nil
	case *config.RulePort:
		return &portMatcher{port: r.Port}, nil
	case *config.RuleDefault:
		return &defaultMatcher{}, nil
	default:
		return nil, fmt.Errorf("unknown rule type %T", rule)
	}
}
