// Package resolver implements the rule-based DNS resolver: the component
// that turns an incoming query into either a real upstream answer, a hosts
// override, a synthesized reject response, or a freshly-minted synthetic
// binding.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/quietfox/tungate/internal/hosts"
	"github.com/quietfox/tungate/internal/rules"
	"github.com/quietfox/tungate/internal/store"
	"github.com/quietfox/tungate/internal/upstream"
)

// synthTTL is the TTL attached to every synthesized A record — hosts
// overrides and fake-IP bindings alike — so resolvers never cache a
// binding long enough to outlive its eviction.
const synthTTL = 3

// Resolver is the rule-based DNS resolver described by the gateway's core
// algorithm. BypassDirect controls whether a Direct-classified domain is
// resolved to its real IP (true) or still synthesized (false) — see the
// gateway's design notes on that trade-off.
type Resolver struct {
	hosts        *hosts.Snapshot
	engine       *rules.Engine
	soaOverrides *rules.SOAOverrideTable
	store        *store.Store
	up           *upstream.Client
	bypassDirect bool
}

// New creates a Resolver. soaOverrides may be nil.
func New(
	h *hosts.Snapshot,
	engine *rules.Engine,
	soaOverrides *rules.SOAOverrideTable,
	st *store.Store,
	up *upstream.Client,
	bypassDirect bool,
) *Resolver {
	return &Resolver{
		hosts:        h,
		engine:       engine,
		soaOverrides: soaOverrides,
		store:        st,
		up:           up,
		bypassDirect: bypassDirect,
	}
}

// Resolve answers req, returning a fully-formed response message.
func (r *Resolver) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if len(req.Question) == 0 {
		return nil, fmt.Errorf("resolver: empty question section")
	}
	q := req.Question[0]

	// Step 1: anything but A/AAAA passes straight through to upstream —
	// the gateway only synthesizes bindings for those two types.
	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
		return r.resolveReal(ctx, req)
	}

	domain := normalizeQName(q.Name)

	// Step 2: hosts override, TTL=3. Answers in the queried family only —
	// an AAAA query against a v4-only hosts entry falls through like a miss.
	if q.Qtype == dns.TypeAAAA {
		if addr, ok := r.hosts.LookupAAAA(domain); ok {
			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: synthTTL},
				AAAA: addr.AsSlice(),
			})
			return resp, nil
		}
	} else if addr, ok := r.hosts.Lookup(domain); ok {
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: synthTTL},
			A:   addr.AsSlice(),
		})
		return resp, nil
	}

	// Step 3: rule action.
	switch action := r.engine.ActionForDomain(domain); action {
	case rules.ActionDirect:
		if r.bypassDirect {
			return r.resolveReal(ctx, req)
		}
		// fall through to synthetic binding below
	case rules.ActionReject:
		return r.rejectResponse(req, domain), nil
	case rules.ActionProxy:
		// fall through to synthetic binding below
	}

	// Step 4: synthetic IPv4 binding.
	ip, err := r.store.GetIPv4ByHost(domain)
	if err != nil {
		return nil, fmt.Errorf("resolver: minting binding for %s: %w", domain, err)
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Answer = append(resp.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: synthTTL},
		A:   ip.AsSlice(),
	})
	return resp, nil
}

// resolveReal forwards req to the real upstream resolver unmodified,
// covering every record type the gateway does not synthesize itself
// (CNAME, MX, NS, SOA, TXT, SRV, and Direct-bypass A/AAAA lookups).
func (r *Resolver) resolveReal(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	resp, err := r.up.Exchange(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("resolver: upstream forward: %w", err)
	}
	return resp, nil
}

// rejectResponse builds an otherwise-valid, zero-answer response carrying
// an SOA authority record, so a Reject classification still produces a
// well-formed negative-caching signal rather than a bare refusal.
func (r *Resolver) rejectResponse(req *dns.Msg, domain string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeSuccess)
	resp.RecursionAvailable = true
	resp.Ns = []dns.RR{r.soaFor(req, domain)}
	return resp
}

func (r *Resolver) soaFor(req *dns.Msg, domain string) dns.RR {
	zone := ""
	if len(req.Question) > 0 {
		zone = req.Question[0].Name
	}

	if r.soaOverrides != nil {
		if o, ok := r.soaOverrides.Lookup(domain); ok {
			return &dns.SOA{
				Hdr:     dns.RR_Header{Name: zone, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: o.TTL},
				Ns:      o.MNAME,
				Mbox:    o.RNAME,
				Serial:  o.Serial,
				Refresh: o.Refresh,
				Retry:   o.Retry,
				Expire:  o.Expire,
				Minttl:  o.TTL,
			}
		}
	}

	mbox := "hostmaster."
	if len(zone) > 0 && zone[0] != '.' {
		mbox += zone
	}

	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: zone, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 3600},
		Ns:      "fake-for-negative-caching.tungate.internal.",
		Mbox:    mbox,
		Serial:  100500,
		Refresh: 1800,
		Retry:   600,
		Expire:  604800,
		Minttl:  86400,
	}
}

func normalizeQName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}
