package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codefionn/proxywahl/proxywahl-srv/logger"
)

// RuleType defines the kind of a proxy selection rule.
type RuleType int

const (
	// RuleTypeHostPattern matches the flow's target host against a wildcard pattern.
	RuleTypeHostPattern RuleType = iota
	// RuleTypePort matches the flow's target port.
	RuleTypePort
	// RuleTypeDefault matches unconditionally and marks the fallback proxy.
	RuleTypeDefault
)

// Rule is the interface implemented by all proxy selection rules.
// The concrete type is fixed at construction; rules are never mutated.
type Rule interface {
	Type() RuleType
}

// RuleHostPattern matches when the target host contains the pattern.
// The pattern may contain "*" wildcards; all other characters match literally.
type RuleHostPattern struct {
	Pattern string
}

// Type returns the rule kind for this rule.
func (r *RuleHostPattern) Type() RuleType {
	return RuleTypeHostPattern
}

// RulePort matches when the target port equals Port.
type RulePort struct {
	Port uint16
}

// Type returns the rule kind for this rule.
func (r *RulePort) Type() RuleType {
	return RuleTypePort
}

// RuleDefault matches every flow. A proxy carrying this rule becomes the
// registry default and is excluded from the normal candidate pool.
type RuleDefault struct{}

// Type returns the rule kind for this rule.
func (r *RuleDefault) Type() RuleType {
	return RuleTypeDefault
}

// UpstreamProxy is one configured upstream. Instances are built during
// configuration load and never mutated afterwards; the whole set is replaced
// on reload.
type UpstreamProxy struct {
	Name     string
	URL      string
	Weight   int
	Username *string
	Password *string
	Rules    []Rule
}

// IsDefault reports whether any of the proxy's rules is a default rule.
func (u *UpstreamProxy) IsDefault() bool {
	for _, r := range u.Rules {
		if r.Type() == RuleTypeDefault {
			return true
		}
	}
	return false
}

// Config is the parsed upstream proxy configuration.
type Config struct {
	Proxies []*UpstreamProxy
}

// maxCredentialLen is the largest username/password the SOCKS5 username/password
// subnegotiation can encode (single length byte).
const maxCredentialLen = 255

// rawRule mirrors the on-disk rule representation for both YAML and JSON.
type rawRule struct {
	Type    string `yaml:"type" json:"type"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Port    int    `yaml:"port" json:"port"`
	Value   any    `yaml:"value" json:"value"`
}

// rawProxy mirrors the on-disk proxy representation.
type rawProxy struct {
	Name     string    `yaml:"name" json:"name"`
	URL      string    `yaml:"url" json:"url"`
	Weight   int       `yaml:"weight" json:"weight"`
	Username *string   `yaml:"username" json:"username"`
	Password *string   `yaml:"password" json:"password"`
	Rules    []rawRule `yaml:"rules" json:"rules"`
}

type rawConfig struct {
	Proxies []rawProxy `yaml:"proxies" json:"proxies"`
}

// FindConfigFile returns the configuration file to load from dir.
// A file literally named "proxies.yaml" wins; otherwise the alphabetically
// first file matching *.yaml, *.yml or *.json is used. The second return
// value is false if the directory is missing, not a directory, or contains
// no matching file.
func FindConfigFile(dir string) (string, bool) {
	info, err := os.Stat(dir)
	if err != nil {
		logger.Warn("Configuration directory %s does not exist", dir)
		return "", false
	}
	if !info.IsDir() {
		logger.Warn("Configuration path %s is not a directory", dir)
		return "", false
	}

	preferred := filepath.Join(dir, "proxies.yaml")
	if fi, err := os.Stat(preferred); err == nil && !fi.IsDir() {
		return preferred, true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("Could not read configuration directory %s: %v", dir, err)
		return "", false
	}

	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			candidates = append(candidates, entry.Name())
		}
	}
	if len(candidates) == 0 {
		logger.Warn("No configuration files found in %s", dir)
		return "", false
	}
	sort.Strings(candidates)
	return filepath.Join(dir, candidates[0]), true
}

// LoadDirectory loads the upstream proxy configuration from dir.
// It returns (nil, nil) when there is nothing to load (missing directory or
// no matching files); that case is a warning, not an error. Parse and
// validation failures return an error and the caller must treat the
// registry as unloaded.
func LoadDirectory(dir string) (*Config, error) {
	path, ok := FindConfigFile(dir)
	if !ok {
		return nil, nil
	}
	logger.Info("Loading upstream configuration from %s", path)
	return LoadFile(path)
}

// LoadFile loads and validates a single configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw rawConfig
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode YAML config %s: %w", path, err)
		}
	}

	if raw.Proxies == nil {
		return nil, fmt.Errorf("no 'proxies' section found in %s", path)
	}

	cfg := &Config{}
	for i, rp := range raw.Proxies {
		p, err := buildProxy(rp)
		if err != nil {
			return nil, fmt.Errorf("proxy at index %d: %w", i, err)
		}
		cfg.Proxies = append(cfg.Proxies, p)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	logger.Info("Loaded %d upstream proxy configurations from %s", len(cfg.Proxies), path)
	return cfg, nil
}

func buildProxy(rp rawProxy) (*UpstreamProxy, error) {
	if rp.Name == "" {
		return nil, fmt.Errorf("missing proxy name")
	}
	if rp.URL == "" {
		return nil, fmt.Errorf("proxy %s: missing url", rp.Name)
	}

	weight := rp.Weight
	if weight == 0 {
		weight = 1
	}
	if weight < 0 {
		return nil, fmt.Errorf("proxy %s: weight must be positive, got %d", rp.Name, rp.Weight)
	}

	if rp.Username != nil && len(*rp.Username) > maxCredentialLen {
		return nil, fmt.Errorf("proxy %s: username exceeds %d bytes", rp.Name, maxCredentialLen)
	}
	if rp.Password != nil && len(*rp.Password) > maxCredentialLen {
		return nil, fmt.Errorf("proxy %s: password exceeds %d bytes", rp.Name, maxCredentialLen)
	}

	p := &UpstreamProxy{
		Name:     rp.Name,
		URL:      rp.URL,
		Weight:   weight,
		Username: rp.Username,
		Password: rp.Password,
	}

	for j, rr := range rp.Rules {
		rule, err := buildRule(rr)
		if err != nil {
			return nil, fmt.Errorf("proxy %s: rule at index %d: %w", rp.Name, j, err)
		}
		p.Rules = append(p.Rules, rule)
	}

	return p, nil
}

func buildRule(rr rawRule) (Rule, error) {
	switch rr.Type {
	case "host_pattern":
		if rr.Pattern == "" {
			return nil, fmt.Errorf("host_pattern rule requires a pattern")
		}
		return &RuleHostPattern{Pattern: rr.Pattern}, nil
	case "port":
		if rr.Port <= 0 || rr.Port > 65535 {
			return nil, fmt.Errorf("port rule requires a port in 1..65535, got %d", rr.Port)
		}
		return &RulePort{Port: uint16(rr.Port)}, nil
	case "default":
		return &RuleDefault{}, nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", rr.Type)
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate proxy name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}
