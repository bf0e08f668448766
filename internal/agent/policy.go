package agent

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy selects how a matched route balances cache and network.
type Strategy string

const (
	StrategyCacheFirst   Strategy = "cache-first"
	StrategyNetworkFirst Strategy = "network-first"
	StrategyNetworkOnly  Strategy = "network-only"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategyCacheFirst, StrategyNetworkFirst, StrategyNetworkOnly:
		return true
	}
	return false
}

// RoutePolicy is one immutable routing rule. Policies are looked up per
// request by first match in declaration order.
type RoutePolicy struct {
	Pattern  string
	Strategy Strategy
	TTL      time.Duration
	Tags     []string

	re *regexp.Regexp
}

// PolicySet holds the compiled route policies plus the static-asset
// classification rules. Precache and OfflinePagePath come along from the
// policy file when one is loaded; they are carried here so the whole
// routing configuration travels as one value.
type PolicySet struct {
	Precache        []string
	OfflinePagePath string

	routes []RoutePolicy

	staticExtensions map[string]struct{}
	staticPrefixes   []string
}

// policyFile is the on-disk YAML shape. TTLs are Go duration strings.
type policyFile struct {
	Routes []struct {
		Pattern  string   `yaml:"pattern"`
		Strategy string   `yaml:"strategy"`
		TTL      string   `yaml:"ttl"`
		Tags     []string `yaml:"tags"`
	} `yaml:"routes"`
	Static struct {
		Extensions []string `yaml:"extensions"`
		Prefixes   []string `yaml:"prefixes"`
	} `yaml:"static"`
	Precache    []string `yaml:"precache"`
	OfflinePage string   `yaml:"offline_page"`
}

// DefaultStaticExtensions classify a request as a static asset by path
// suffix when no policy file overrides them.
var DefaultStaticExtensions = []string{
	".js", ".css", ".html", ".png", ".jpg", ".jpeg", ".svg", ".ico",
	".woff", ".woff2", ".json", ".webmanifest",
}

// NewPolicySet compiles route policies. Declaration order is match order.
func NewPolicySet(routes []RoutePolicy, staticExtensions, staticPrefixes []string) (*PolicySet, error) {
	if len(staticExtensions) == 0 {
		staticExtensions = DefaultStaticExtensions
	}
	ps := &PolicySet{
		staticExtensions: make(map[string]struct{}, len(staticExtensions)),
		staticPrefixes:   staticPrefixes,
	}
	for _, ext := range staticExtensions {
		ps.staticExtensions[ext] = struct{}{}
	}

	for i, rp := range routes {
		if !rp.Strategy.valid() {
			return nil, fmt.Errorf("route %d (%s): unknown strategy %q", i, rp.Pattern, rp.Strategy)
		}
		re, err := regexp.Compile(rp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("route %d: compile pattern %q: %w", i, rp.Pattern, err)
		}
		rp.re = re
		ps.routes = append(ps.routes, rp)
	}
	return ps, nil
}

// LoadPolicyFile reads a YAML policy file from disk.
func LoadPolicyFile(path string) (*PolicySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	routes := make([]RoutePolicy, 0, len(pf.Routes))
	for i, r := range pf.Routes {
		ttl := time.Duration(0)
		if r.TTL != "" {
			ttl, err = time.ParseDuration(r.TTL)
			if err != nil {
				return nil, fmt.Errorf("route %d: parse ttl %q: %w", i, r.TTL, err)
			}
		}
		routes = append(routes, RoutePolicy{
			Pattern:  r.Pattern,
			Strategy: Strategy(r.Strategy),
			TTL:      ttl,
			Tags:     r.Tags,
		})
	}
	ps, err := NewPolicySet(routes, pf.Static.Extensions, pf.Static.Prefixes)
	if err != nil {
		return nil, err
	}
	ps.Precache = pf.Precache
	ps.OfflinePagePath = pf.OfflinePage
	return ps, nil
}

// Match returns the first policy whose pattern matches the request path.
func (ps *PolicySet) Match(path string) (*RoutePolicy, bool) {
	for i := range ps.routes {
		if ps.routes[i].re.MatchString(path) {
			return &ps.routes[i], true
		}
	}
	return nil, false
}

// IsStatic reports whether a path names a static asset, by extension or
// path prefix.
func (ps *PolicySet) IsStatic(path string) bool {
	for _, p := range ps.staticPrefixes {
		if len(path) >= len(p) && path[:len(p)] == p {
			return true
		}
	}
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			_, ok := ps.staticExtensions[path[i:]]
			return ok
		}
	}
	return false
}
