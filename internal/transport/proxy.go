package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/quietfox/tungate/internal/tunsock"
)

// PlainRelay is a minimal stand-in Proxy transport that forwards a flow to
// a single configured upstream host with no additional encryption or
// protocol framing. It exists so the dispatcher's Proxy branch is
// exercisable end-to-end without a real encrypted-relay dependency; it is
// not suitable for anything but local testing.
type PlainRelay struct {
	upstream string
	direct   *Direct
}

// NewPlainRelay creates a relay that forwards every flow to upstream
// (host:port), ignoring the flow's original destination.
func NewPlainRelay(upstream string) *PlainRelay {
	return &PlainRelay{upstream: upstream, direct: NewDirect(0, nil)}
}

func (p *PlainRelay) HandleTCP(ctx context.Context, sock tunsock.TCPSocket, _ netip.AddrPort, _ string) error {
	addr, err := net.ResolveTCPAddr("tcp", p.upstream)
	if err != nil {
		return fmt.Errorf("transport: resolving relay address %s: %w", p.upstream, err)
	}
	return p.direct.HandleTCP(ctx, sock, netip.AddrPortFrom(addrFromTCPAddr(addr), uint16(addr.Port)), "")
}

func (p *PlainRelay) HandleUDP(ctx context.Context, sock tunsock.UDPSocket, _ netip.AddrPort, _ string) error {
	addr, err := net.ResolveUDPAddr("udp", p.upstream)
	if err != nil {
		return fmt.Errorf("transport: resolving relay address %s: %w", p.upstream, err)
	}
	return p.direct.HandleUDP(ctx, sock, netip.AddrPortFrom(addrFromUDPAddr(addr), uint16(addr.Port)), "")
}

func addrFromTCPAddr(a *net.TCPAddr) netip.Addr {
	ip, _ := netip.AddrFromSlice(a.IP.To16())
	return ip.Unmap()
}

func addrFromUDPAddr(a *net.UDPAddr) netip.Addr {
	ip, _ := netip.AddrFromSlice(a.IP.To16())
	return ip.Unmap()
}
