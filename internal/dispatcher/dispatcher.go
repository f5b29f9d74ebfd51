// Package dispatcher implements the flow dispatcher: the component that
// takes a freshly-intercepted TCP or UDP flow, resolves its destination
// back to a domain (or leaves it as a literal IP), decides Reject/Direct/
// Proxy, registers it in the connection ledger, and drives the chosen
// transport until the flow ends.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"net/netip"

	"github.com/AdguardTeam/golibs/log"

	"github.com/quietfox/tungate/internal/ownerfilter"
	"github.com/quietfox/tungate/internal/rules"
	"github.com/quietfox/tungate/internal/stats"
	"github.com/quietfox/tungate/internal/store"
	"github.com/quietfox/tungate/internal/transport"
	"github.com/quietfox/tungate/internal/tunsock"
)

// Dispatcher wires the rule engine, binding store, owner filter, and
// transports together into the end-to-end flow lifecycle.
type Dispatcher struct {
	store   *store.Store
	engine  *rules.Engine
	direct  transport.Transport
	proxy   transport.Transport
	stats   *stats.Manager
	proxyUID uint32 // 0 means the owner filter is disabled
}

// New creates a Dispatcher. proxyUID of 0 disables the owner filter,
// matching the seeker client's Option<u32> semantics.
func New(st *store.Store, engine *rules.Engine, direct, proxy transport.Transport, st2 *stats.Manager, proxyUID uint32) *Dispatcher {
	return &Dispatcher{
		store:    st,
		engine:   engine,
		direct:   direct,
		proxy:    proxy,
		stats:    st2,
		proxyUID: proxyUID,
	}
}

// actionFor resolves dest back to a domain via the binding store's
// reverse lookup; if dest was never synthesized, it is used as-is and the
// rule engine is consulted by IP instead of by domain. This is the open
// design decision recorded in DESIGN.md: IP-based matchers only ever see
// an untranslated, real destination address.
func (d *Dispatcher) actionFor(dest netip.AddrPort) (action rules.Action, domain string) {
	if host, err := d.store.GetHostByIPv4(dest.Addr()); err == nil {
		return d.engine.ActionForDomain(host), host
	}
	return d.engine.ActionForIP(dest.Addr()), ""
}

// DispatchTCP runs the full dispatch lifecycle for a single TCP flow.
func (d *Dispatcher) DispatchTCP(ctx context.Context, sock tunsock.TCPSocket, dest netip.AddrPort) error {
	action, domain := d.actionFor(dest)

	if d.proxyUID != 0 {
		ok, err := ownerfilter.Matches(sock.LocalAddr(), d.proxyUID)
		if err != nil {
			return fmt.Errorf("dispatcher: owner lookup failed: %w", err)
		}
		if !ok {
			action = rules.ActionDirect
		}
	}

	return d.dispatch(ctx, action, domain, dest, "tcp", func(ctx context.Context, tr transport.Transport) error {
		return tr.HandleTCP(ctx, sock, dest, domain)
	})
}

// DispatchUDP runs the full dispatch lifecycle for a single UDP flow.
func (d *Dispatcher) DispatchUDP(ctx context.Context, sock tunsock.UDPSocket, dest netip.AddrPort) error {
	action, domain := d.actionFor(dest)

	if d.proxyUID != 0 {
		ok, err := ownerfilter.Matches(sock.LocalAddr(), d.proxyUID)
		if err != nil {
			return fmt.Errorf("dispatcher: owner lookup failed: %w", err)
		}
		if !ok {
			action = rules.ActionDirect
		}
	}

	return d.dispatch(ctx, action, domain, dest, "udp", func(ctx context.Context, tr transport.Transport) error {
		return tr.HandleUDP(ctx, sock, dest, domain)
	})
}

func (d *Dispatcher) dispatch(
	ctx context.Context,
	action rules.Action,
	domain string,
	dest netip.AddrPort,
	network string,
	run func(context.Context, transport.Transport) error,
) error {
	log.Debug("dispatcher: %s %s -> %s", network, dest, action)

	if domain != "" {
		d.store.IncrementFlows(domain)
		defer d.store.DecrementFlows(domain)
	}

	switch action {
	case rules.ActionReject:
		d.stats.Incr("flows::reject", 1)
		return nil
	case rules.ActionProxy:
		d.stats.Incr("flows::proxy", 1)
		return d.runTracked(ctx, d.proxy, domain, dest, network, "proxy", run)
	default:
		d.stats.Incr("flows::direct", 1)
		return d.runTracked(ctx, d.direct, domain, dest, network, "direct", run)
	}
}

func (d *Dispatcher) runTracked(
	ctx context.Context,
	tr transport.Transport,
	domain string,
	dest netip.AddrPort,
	network, proxyServer string,
	run func(context.Context, transport.Transport) error,
) error {
	host := domain
	if host == "" {
		host = dest.Addr().String()
	}

	id := rand.Uint64()
	if err := d.store.NewConnection(id, host, network, proxyServer, proxyServer); err != nil {
		log.Error("dispatcher: ledger write failed: %v", err)
	}
	defer func() {
		if err := d.store.ShutdownConnection(id); err != nil {
			log.Error("dispatcher: ledger shutdown failed: %v", err)
		}
	}()

	return run(ctx, tr)
}
