package dispatcher

import (
	"context"
	"io"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietfox/tungate/internal/rules"
	"github.com/quietfox/tungate/internal/stats"
	"github.com/quietfox/tungate/internal/store"
	"github.com/quietfox/tungate/internal/transport"
	"github.com/quietfox/tungate/internal/tunsock"
)

// fakeTCPSocket adapts a net.Conn to tunsock.TCPSocket for tests.
type fakeTCPSocket struct {
	net.Conn
	local, remote netip.AddrPort
}

func (f *fakeTCPSocket) LocalAddr() netip.AddrPort  { return f.local }
func (f *fakeTCPSocket) RemoteAddr() netip.AddrPort { return f.remote }

func TestDispatchTCPRejectClosesWithoutDialing(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "t.db"), netip.MustParsePrefix("198.18.0.0/24"), nil)
	require.NoError(t, err)
	defer st.Close()

	engine := rules.NewEngine(rules.ActionDirect)
	engine.AddIPCIDR("203.0.113.0/24", rules.ActionReject)

	sm := stats.New()
	// direct transport would try to dial on non-reject paths; use an
	// unreachable address here deliberately since reject must never call it.
	direct := transport.NewDirect(0, nil)
	d := New(st, engine, direct, direct, sm, 0)

	c1, c2 := net.Pipe()
	defer c2.Close()
	sock := &fakeTCPSocket{Conn: c1, remote: netip.MustParseAddrPort("203.0.113.5:443")}

	err = d.DispatchTCP(context.Background(), sock, netip.MustParseAddrPort("203.0.113.5:443"))
	require.NoError(t, err)
	require.EqualValues(t, 1, sm.Get("flows::reject"))
}

func TestDispatchTCPDirectRelaysBytes(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "t.db"), netip.MustParsePrefix("198.18.0.0/24"), nil)
	require.NoError(t, err)
	defer st.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, aerr := ln.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	engine := rules.NewEngine(rules.ActionDirect)
	sm := stats.New()
	direct := transport.NewDirect(0, nil)
	d := New(st, engine, direct, direct, sm, 0)

	c1, c2 := net.Pipe()
	dest := netip.MustParseAddrPort(ln.Addr().String())
	sock := &fakeTCPSocket{Conn: c1, remote: dest}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.DispatchTCP(ctx, sock, dest) }()

	_, err = c2.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(c2, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	c2.Close()
	<-errCh
	require.EqualValues(t, 1, sm.Get("flows::direct"))
}
