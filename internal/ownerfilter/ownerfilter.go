// Package ownerfilter decides whether a flow's local socket belongs to a
// specific OS user, by enumerating live sockets via gopsutil. Flows not
// owned by the configured uid are forced Direct regardless of rule engine
// output, mirroring the seeker client's proxy_uid exemption.
package ownerfilter

import (
	"fmt"
	"net/netip"

	gopsnet "github.com/shirou/gopsutil/v3/net"
)

// BelongsToUID reports whether addr is the local address of a live socket
// and, if so, the uid of the process that owns it (0 when the OS reports no
// uid for that socket). A lookup failure is returned as an error —
// the gateway treats it as OwnerLookupFailed, failing safe rather than
// silently granting proxy access.
func BelongsToUID(addr netip.AddrPort) (bool, uint32, error) {
	conns, err := gopsnet.Connections("all")
	if err != nil {
		return false, 0, fmt.Errorf("ownerfilter: enumerating sockets: %w", err)
	}

	for _, c := range conns {
		if c.Laddr.IP != addr.Addr().String() || uint16(c.Laddr.Port) != addr.Port() {
			continue
		}
		if len(c.Uids) == 0 {
			return true, 0, nil
		}
		return true, c.Uids[0], nil
	}

	return false, 0, nil
}

// Matches reports whether addr belongs to a socket owned by wantUID.
func Matches(addr netip.AddrPort, wantUID uint32) (bool, error) {
	found, uid, err := BelongsToUID(addr)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return uid == wantUID, nil
}
