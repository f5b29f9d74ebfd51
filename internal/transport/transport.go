// Package transport implements the two concrete flow transports the
// dispatcher can drive: a Direct transport that dials the real destination,
// and a Proxy transport interface for an encrypted-relay collaborator.
package transport

import (
	"context"
	"net/netip"

	"github.com/quietfox/tungate/internal/tunsock"
)

// Transport is the common contract implemented by both Direct and Proxy
// transports, matching the dispatcher's uniform dispatch call. domain is the
// name the dispatcher recovered via its reverse lookup, or "" if dest was an
// untranslated numeric destination — see Direct's handling of the two
// forms in direct.go.
type Transport interface {
	HandleTCP(ctx context.Context, sock tunsock.TCPSocket, dest netip.AddrPort, domain string) error
	HandleUDP(ctx context.Context, sock tunsock.UDPSocket, dest netip.AddrPort, domain string) error
}
