package transport

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietfox/tungate/internal/tunsock"
)

// fakeTCPSocket adapts a net.Conn to tunsock.TCPSocket for tests.
type fakeTCPSocket struct {
	net.Conn
	local, remote netip.AddrPort
}

func (f *fakeTCPSocket) LocalAddr() netip.AddrPort  { return f.local }
func (f *fakeTCPSocket) RemoteAddr() netip.AddrPort { return f.remote }

// udpDatagram pairs a payload with the client source address it arrived
// from (or should be delivered to).
type udpDatagram struct {
	payload []byte
	src     netip.AddrPort
}

// fakeUDPSocket is a channel-backed tunsock.UDPSocket for tests, standing in
// for whatever a real TUN collaborator would demultiplex. It can carry
// datagrams from more than one simulated client source, so tests can
// exercise the transport's own per-source NAT table.
type fakeUDPSocket struct {
	local, remote netip.AddrPort
	toTun         chan udpDatagram
	fromTun       chan udpDatagram
}

func newFakeUDPSocket() *fakeUDPSocket {
	return &fakeUDPSocket{toTun: make(chan udpDatagram, 8), fromTun: make(chan udpDatagram, 8)}
}

func (f *fakeUDPSocket) LocalAddr() netip.AddrPort  { return f.local }
func (f *fakeUDPSocket) RemoteAddr() netip.AddrPort { return f.remote }
func (f *fakeUDPSocket) Close() error                { return nil }

func (f *fakeUDPSocket) RecvFrom(ctx context.Context, p []byte) (int, netip.AddrPort, error) {
	select {
	case d := <-f.fromTun:
		return copy(p, d.payload), d.src, nil
	case <-ctx.Done():
		return 0, netip.AddrPort{}, ctx.Err()
	}
}

func (f *fakeUDPSocket) SendTo(ctx context.Context, p []byte, src netip.AddrPort) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)
	select {
	case f.toTun <- udpDatagram{payload: b, src: src}:
		return len(p), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestDirectHandleUDPRelaysDatagram(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	echoDone := make(chan struct{})
	go func() {
		defer close(echoDone)
		buf := make([]byte, 1500)
		n, addr, rerr := pc.ReadFrom(buf)
		if rerr != nil {
			return
		}
		_, _ = pc.WriteTo(buf[:n], addr)
	}()

	d := NewDirect(0, nil)
	sock := newFakeUDPSocket()
	client := netip.MustParseAddrPort("10.0.0.1:5000")
	sock.fromTun <- udpDatagram{payload: []byte("ping"), src: client}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	dest := netip.MustParseAddrPort(pc.LocalAddr().String())
	go func() { errCh <- d.HandleUDP(ctx, sock, dest, "") }()

	select {
	case d := <-sock.toTun:
		require.Equal(t, "ping", string(d.payload))
		require.Equal(t, client, d.src)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reverse relay")
	}

	cancel()
	<-errCh
	<-echoDone
}

func TestDirectHandleUDPKeepsSeparateNATEntriesPerSource(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, rerr := pc.ReadFrom(buf)
			if rerr != nil {
				return
			}
			_, _ = pc.WriteTo(buf[:n], addr)
		}
	}()

	d := NewDirect(0, nil)
	sock := newFakeUDPSocket()
	clientA := netip.MustParseAddrPort("10.0.0.1:5000")
	clientB := netip.MustParseAddrPort("10.0.0.2:6000")
	sock.fromTun <- udpDatagram{payload: []byte("from-a"), src: clientA}
	sock.fromTun <- udpDatagram{payload: []byte("from-b"), src: clientB}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	dest := netip.MustParseAddrPort(pc.LocalAddr().String())
	go func() { errCh <- d.HandleUDP(ctx, sock, dest, "") }()

	seen := map[netip.AddrPort]string{}
	for i := 0; i < 2; i++ {
		select {
		case d := <-sock.toTun:
			seen[d.src] = string(d.payload)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for reverse relay")
		}
	}

	require.Equal(t, "from-a", seen[clientA])
	require.Equal(t, "from-b", seen[clientB])

	cancel()
	<-errCh
}

func TestPlainRelayHandleTCPForwardsToFixedUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, aerr := ln.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	relay := NewPlainRelay(ln.Addr().String())

	c1, c2 := net.Pipe()
	sock := &fakeTCPSocket{Conn: c1, remote: netip.MustParseAddrPort("203.0.113.9:443")}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- relay.HandleTCP(ctx, sock, netip.AddrPort{}, "") }()

	_, err = c2.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(c2, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	c2.Close()
	<-errCh
}
