package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/quietfox/tungate/internal/tunsock"
	"github.com/quietfox/tungate/internal/upstream"
)

// reverseReadPoll bounds how long the UDP reverse-reader blocks between
// checks of ctx cancellation.
const reverseReadPoll = 2 * time.Second

// ErrHostNotFound is returned when a domain-form destination resolves to no
// usable IPv4 address, matching the gateway's HostNotFound error kind.
var ErrHostNotFound = errors.New("transport: host not found")

// Direct dials the flow's real destination directly, bypassing any proxy.
// When the dispatcher hands it a domain (recovered from the binding
// store's reverse lookup, meaning dest's address is only a synthetic
// fake-IP), Direct re-resolves that domain through the upstream DNS client
// before dialing, rather than dialing the synthetic address itself. For UDP
// it owns the per-source NAT table described by the gateway's data model:
// one dialed upstream socket per distinct client source address, each with
// its own reverse-reader goroutine relaying replies back through the TUN
// socket.
type Direct struct {
	udpBufferSize int
	upstream      *upstream.Client
}

// NewDirect creates a Direct transport. udpBufferSize of 0 uses a sane
// default. up is consulted to resolve a domain-form destination to a real
// IPv4 address; it may be nil if Direct is only ever used for numeric
// destinations (as PlainRelay does for its own fixed upstream).
func NewDirect(udpBufferSize int, up *upstream.Client) *Direct {
	if udpBufferSize <= 0 {
		udpBufferSize = 64 * 1024
	}
	return &Direct{udpBufferSize: udpBufferSize, upstream: up}
}

// resolveDest returns the address Direct should actually dial. A numeric
// destination (domain == "") is used as-is; a domain-form destination is
// re-resolved to a real IPv4 through the upstream DNS client, keeping
// dest's original port, per spec.md §4.6.
func (d *Direct) resolveDest(ctx context.Context, dest netip.AddrPort, domain string) (netip.AddrPort, error) {
	if domain == "" {
		return dest, nil
	}
	if d.upstream == nil {
		return netip.AddrPort{}, fmt.Errorf("transport: resolving %s: %w", domain, ErrHostNotFound)
	}

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	resp, err := d.upstream.Exchange(ctx, req)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("transport: resolving %s: %w", domain, err)
	}
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.A.To4())
		if !ok {
			continue
		}
		return netip.AddrPortFrom(ip, dest.Port()), nil
	}
	return netip.AddrPort{}, fmt.Errorf("transport: resolving %s: %w", domain, ErrHostNotFound)
}

// HandleTCP resolves dest (re-resolving domain through upstream DNS if this
// flow's destination is a synthetic fake-IP) and pumps bytes bidirectionally
// between it and sock until either side closes or ctx is cancelled.
func (d *Direct) HandleTCP(ctx context.Context, sock tunsock.TCPSocket, dest netip.AddrPort, domain string) error {
	real, err := d.resolveDest(ctx, dest, domain)
	if err != nil {
		return err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", real.String())
	if err != nil {
		return fmt.Errorf("transport: dialing %s: %w", real, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
		_ = sock.Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(conn, sock)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(sock, conn)
		return err
	})

	return g.Wait()
}

// HandleUDP maintains a per-client-source NAT table of bound upstream UDP
// sockets, each dialed to dest: a fresh entry is created the first time a
// datagram arrives from a given client source, and a background reverse-
// reader task relays everything that upstream socket receives back to that
// same client through sock. The handler and every NAT entry it created are
// torn down when ctx is cancelled or the TUN side returns a fatal error.
func (d *Direct) HandleUDP(ctx context.Context, sock tunsock.UDPSocket, dest netip.AddrPort, domain string) error {
	real, err := d.resolveDest(ctx, dest, domain)
	if err != nil {
		return err
	}

	nat := make(map[netip.AddrPort]*net.UDPConn)
	var mu sync.Mutex
	var wg sync.WaitGroup

	defer func() {
		mu.Lock()
		for _, up := range nat {
			_ = up.Close()
		}
		mu.Unlock()
		wg.Wait()
	}()

	buf := make([]byte, d.udpBufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, src, err := sock.RecvFrom(ctx, buf)
		if err != nil {
			return fmt.Errorf("transport: recv from tun socket: %w", err)
		}

		mu.Lock()
		up, ok := nat[src]
		if !ok {
			up, err = net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(real))
			if err != nil {
				mu.Unlock()
				log.Debug("transport: udp nat dial for %s: %v", src, err)
				continue
			}
			nat[src] = up
			wg.Add(1)
			go func(src netip.AddrPort, up *net.UDPConn) {
				defer wg.Done()
				d.reverseReader(ctx, up, sock, src)
			}(src, up)
		}
		mu.Unlock()

		if _, err = up.Write(buf[:n]); err != nil {
			log.Debug("transport: udp nat send to %s via %s: %v", real, src, err)
		}
	}
}

// reverseReader relays datagrams from one NAT entry's dialed upstream
// socket back to the TUN-side socket, addressed to the client src that
// owns this entry. Stops when ctx is cancelled or the read fails.
func (d *Direct) reverseReader(ctx context.Context, up *net.UDPConn, sock tunsock.UDPSocket, src netip.AddrPort) {
	buf := make([]byte, d.udpBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}

		_ = up.SetReadDeadline(time.Now().Add(reverseReadPoll))
		n, _, err := up.ReadFromUDP(buf)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("transport: udp reverse-reader for %s: %v", src, err)
			}
			return
		}

		if _, err = sock.SendTo(ctx, buf[:n], src); err != nil {
			log.Debug("transport: udp reverse-reader write for %s: %v", src, err)
			return
		}
	}
}
