// Package rules implements the ordered rule engine that classifies a flow's
// destination domain or IP into a dispatch Action: Reject, Direct, or
// Proxy. Rules are evaluated in declaration order; the first match wins,
// falling back to a configured default action.
package rules

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Action is the dispatch decision produced for a flow.
type Action int

const (
	// ActionDirect sends the flow straight to its real destination.
	ActionDirect Action = iota
	// ActionProxy routes the flow through the configured proxy transport.
	ActionProxy
	// ActionReject refuses the flow outright.
	ActionReject
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case ActionDirect:
		return "direct"
	case ActionProxy:
		return "proxy"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseAction converts a configuration string into an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "direct":
		return ActionDirect, nil
	case "proxy":
		return ActionProxy, nil
	case "reject":
		return ActionReject, nil
	default:
		return 0, fmt.Errorf("rules: unknown action %q", s)
	}
}

// matcher is satisfied by every rule kind the engine supports.
type matcher interface {
	// matchDomain reports whether domain (already lowercased, no trailing
	// dot) matches this rule. Matchers that only operate on IPs always
	// return false here.
	matchDomain(domain string) bool
	// matchIP reports whether ip matches this rule. Matchers that only
	// operate on domains always return false here.
	matchIP(ip netip.Addr) bool
}

type rule struct {
	m      matcher
	action Action
}

// Engine holds an ordered rule set plus the default action applied when
// nothing matches.
type Engine struct {
	rules []rule
	def   Action
	geo   *geoip2.Reader
}

// NewEngine creates an empty rule engine with the given default action.
func NewEngine(def Action) *Engine {
	return &Engine{def: def}
}

// Default returns the engine's fallback action.
func (e *Engine) Default() Action { return e.def }

// SetGeoIPReader installs the GeoIP database used by geoip-country rules.
// Without a reader, geoip-country rules never match.
func (e *Engine) SetGeoIPReader(r *geoip2.Reader) { e.geo = r }

// AddExactDomain appends a rule matching domain exactly.
func (e *Engine) AddExactDomain(domain string, action Action) {
	e.rules = append(e.rules, rule{m: exactDomain(normalizeDomain(domain)), action: action})
}

// AddDomainSuffix appends a rule matching any domain ending in suffix
// (".example.com" matches "a.example.com" and "example.com" itself).
func (e *Engine) AddDomainSuffix(suffix string, action Action) {
	e.rules = append(e.rules, rule{m: domainSuffix(strings.TrimPrefix(normalizeDomain(suffix), ".")), action: action})
}

// AddDomainKeyword appends a rule matching any domain containing keyword as
// a substring.
func (e *Engine) AddDomainKeyword(keyword string, action Action) {
	e.rules = append(e.rules, rule{m: domainKeyword(strings.ToLower(keyword)), action: action})
}

// AddIPCIDR appends a rule matching any IP within cidr.
func (e *Engine) AddIPCIDR(cidr string, action Action) error {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("rules: invalid ip-cidr %q: %w", cidr, err)
	}
	e.rules = append(e.rules, rule{m: ipCIDR{prefix}, action: action})
	return nil
}

// AddGeoIPCountry appends a rule matching any IP whose GeoIP country ISO
// code equals iso (e.g. "CN", "US").
func (e *Engine) AddGeoIPCountry(iso string, action Action) {
	e.rules = append(e.rules, rule{m: &geoIPCountry{engine: e, iso: strings.ToUpper(iso)}, action: action})
}

// AddMatchAll appends a catch-all rule; typically placed last, though the
// default action already covers the no-match case.
func (e *Engine) AddMatchAll(action Action) {
	e.rules = append(e.rules, rule{m: matchAll{}, action: action})
}

// AddDomainListLoader appends a rule backed by a remote domain list, bound
// to the loader's own action. The loader's Refresh swaps its internal set
// atomically, so this rule always evaluates against a fully-loaded list.
func (e *Engine) AddDomainListLoader(l *DomainListLoader) {
	e.rules = append(e.rules, rule{m: domainListMatcher{l}, action: l.Action()})
}

type domainListMatcher struct{ l *DomainListLoader }

func (d domainListMatcher) matchDomain(domain string) bool { return d.l.Contains(domain) }
func (domainListMatcher) matchIP(netip.Addr) bool          { return false }

// ActionForDomain evaluates the rule set against a domain name, returning
// the engine's default action if nothing matches.
func (e *Engine) ActionForDomain(domain string) Action {
	domain = normalizeDomain(domain)
	for _, r := range e.rules {
		if r.m.matchDomain(domain) {
			return r.action
		}
	}
	return e.def
}

// ActionForIP evaluates the rule set against a literal IP address.
func (e *Engine) ActionForIP(ip netip.Addr) Action {
	for _, r := range e.rules {
		if r.m.matchIP(ip) {
			return r.action
		}
	}
	return e.def
}

func normalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}

type exactDomain string

func (d exactDomain) matchDomain(domain string) bool { return domain == string(d) }
func (exactDomain) matchIP(netip.Addr) bool          { return false }

type domainSuffix string

func (s domainSuffix) matchDomain(domain string) bool {
	suffix := string(s)
	return domain == suffix || strings.HasSuffix(domain, "."+suffix)
}
func (domainSuffix) matchIP(netip.Addr) bool { return false }

type domainKeyword string

func (k domainKeyword) matchDomain(domain string) bool {
	return strings.Contains(domain, string(k))
}
func (domainKeyword) matchIP(netip.Addr) bool { return false }

type ipCIDR struct{ prefix netip.Prefix }

func (ipCIDR) matchDomain(string) bool { return false }
func (c ipCIDR) matchIP(ip netip.Addr) bool {
	return c.prefix.Contains(ip)
}

type geoIPCountry struct {
	engine *Engine
	iso    string
}

func (*geoIPCountry) matchDomain(string) bool { return false }
func (g *geoIPCountry) matchIP(ip netip.Addr) bool {
	if g.engine.geo == nil {
		return false
	}
	record, err := g.engine.geo.Country(net.IP(ip.AsSlice()))
	if err != nil {
		return false
	}
	return record.Country.IsoCode == g.iso
}

type matchAll struct{}

func (matchAll) matchDomain(string) bool  { return true }
func (matchAll) matchIP(netip.Addr) bool  { return true }

// LoadFile parses a simple rule file, one rule per line, in the form
// "TYPE,VALUE,ACTION" (e.g. "DOMAIN-SUFFIX,example.com,reject"), or
// "FINAL,ACTION" / "MATCH,ACTION" for the catch-all rule, "#" comments and
// blank lines ignored.
func (e *Engine) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("rules: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err = e.loadLine(line); err != nil {
			return fmt.Errorf("rules: %s:%d: %w", path, lineNo, err)
		}
	}
	return scanner.Err()
}

func (e *Engine) loadLine(line string) error {
	parts := strings.Split(line, ",")
	if len(parts) == 2 {
		switch strings.ToUpper(strings.TrimSpace(parts[0])) {
		case "FINAL", "MATCH":
			parts = []string{parts[0], "", parts[1]}
		}
	}
	if len(parts) != 3 {
		return fmt.Errorf("expected TYPE,VALUE,ACTION, got %q", line)
	}
	kind := strings.ToUpper(strings.TrimSpace(parts[0]))
	value := strings.TrimSpace(parts[1])
	action, err := ParseAction(strings.TrimSpace(parts[2]))
	if err != nil {
		return err
	}

	switch kind {
	case "DOMAIN":
		e.AddExactDomain(value, action)
	case "DOMAIN-SUFFIX":
		e.AddDomainSuffix(value, action)
	case "DOMAIN-KEYWORD":
		e.AddDomainKeyword(value, action)
	case "IP-CIDR":
		return e.AddIPCIDR(value, action)
	case "GEOIP":
		e.AddGeoIPCountry(value, action)
	case "FINAL", "MATCH":
		e.AddMatchAll(action)
	default:
		return fmt.Errorf("unknown rule type %q", kind)
	}
	return nil
}
