// Package tunsock defines the contracts a TUN-backed virtual interface
// collaborator must satisfy. The gateway never opens a real TUN device
// itself — it is handed sockets already demultiplexed from the TUN's
// captured IP packets by an external component.
package tunsock

import (
	"context"
	"net/netip"
)

// TCPSocket is a single intercepted TCP flow surfaced by the TUN
// collaborator, already accepted as a byte stream.
type TCPSocket interface {
	// RemoteAddr is the flow's original destination, as captured from the
	// TUN packet (may be a synthetic address bound by the gateway).
	RemoteAddr() netip.AddrPort
	// LocalAddr is the originating process's local socket address.
	LocalAddr() netip.AddrPort

	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

// UDPSocket is the TUN-side rendezvous point for every UDP datagram the
// captured interface has seen addressed to one destination. A single
// instance may carry traffic from several distinct local client sockets —
// RecvFrom reports which one sent each datagram, and SendTo addresses the
// reply back to that same client, so the caller (the Direct/Proxy
// transport) is the one responsible for keeping a client_src -> upstream
// socket NAT table, exactly as the gateway's data model describes it.
type UDPSocket interface {
	// RemoteAddr is the flow's original destination, as captured from the
	// TUN packet (may be a synthetic address bound by the gateway).
	RemoteAddr() netip.AddrPort
	LocalAddr() netip.AddrPort

	// RecvFrom blocks for the next datagram addressed to this flow's
	// destination, returning the originating client socket address
	// alongside its payload.
	RecvFrom(ctx context.Context, p []byte) (n int, src netip.AddrPort, err error)
	// SendTo writes a reply back through the TUN device, addressed so the
	// OS delivers it to the client socket that originally sent to src.
	SendTo(ctx context.Context, p []byte, src netip.AddrPort) (n int, err error)
	Close() error
}
