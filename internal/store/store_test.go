package store

import (
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, netip.MustParsePrefix("198.18.0.0/30"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewConnection(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.NewConnection(1, "baidu.com", "tcp", "client", "proxy.com"))

	conns, err := s.ListConnections()
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, uint64(1), conns[0].ID)
}

func TestUpdateConnection(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.NewConnection(1, "baidu.com", "tcp", "client", "proxy.com"))
	require.NoError(t, s.UpdateConnection(1, 100, 200, 0))

	conns, err := s.ListConnections()
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.EqualValues(t, 100, conns[0].RecvBytes)
	require.EqualValues(t, 200, conns[0].SendBytes)
}

func TestShutdownConnection(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.NewConnection(1, "baidu.com", "tcp", "client", "proxy.com"))
	require.NoError(t, s.ShutdownConnection(1))

	conns, err := s.ListConnections()
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.False(t, conns[0].IsAlive)
}

func TestClearDeadConnections(t *testing.T) {
	s := newTestStore(t)

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, s.NewConnection(i, "baidu.com", "tcp", "client", "proxy.com"))
	}
	require.NoError(t, s.ShutdownConnection(1))
	require.NoError(t, s.ClearDeadConnections(0))

	conns, err := s.ListConnections()
	require.NoError(t, err)
	require.Len(t, conns, 3)
}

func TestGetIPv4ByHostAllocatesAndPersists(t *testing.T) {
	s := newTestStore(t)

	ip1, err := s.GetIPv4ByHost("example.com")
	require.NoError(t, err)

	ip2, err := s.GetIPv4ByHost("example.com")
	require.NoError(t, err)
	require.Equal(t, ip1, ip2)

	host, err := s.GetHostByIPv4(ip1)
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
}

func TestGetHostByIPv4NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetHostByIPv4(netip.MustParseAddr("198.18.0.1"))
	require.ErrorIs(t, err, ErrHostNotFound)
}

func TestPoolExhaustionEvictsDeadBindingOverSticky(t *testing.T) {
	// /30 pool: baseAddr = network+1, poolSize after reserving
	// network+broadcast is 2.
	path := filepath.Join(t.TempDir(), "evict.db")
	s, err := Open(path, netip.MustParsePrefix("198.18.0.0/30"), []string{"sticky.example"})
	require.NoError(t, err)
	defer s.Close()

	stickyIP, err := s.GetIPv4ByHost("sticky.example")
	require.NoError(t, err)
	deadIP, err := s.GetIPv4ByHost("dead.example")
	require.NoError(t, err)

	// pool is now full; allocating a third domain must evict dead.example,
	// never sticky.example.
	freshIP, err := s.GetIPv4ByHost("fresh.example")
	require.NoError(t, err)
	require.Equal(t, deadIP, freshIP)

	ip, err := s.GetIPv4ByHost("sticky.example")
	require.NoError(t, err)
	require.Equal(t, stickyIP, ip)

	host, err := s.GetHostByIPv4(deadIP)
	require.NoError(t, err)
	require.Equal(t, "fresh.example", host)
}

func TestPoolExhaustedWhenAllActive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exhausted.db")
	s, err := Open(path, netip.MustParsePrefix("198.18.0.0/30"), nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetIPv4ByHost("a.example")
	require.NoError(t, err)
	s.IncrementFlows("a.example")

	_, err = s.GetIPv4ByHost("b.example")
	require.NoError(t, err)
	s.IncrementFlows("b.example")

	_, err = s.GetIPv4ByHost("c.example")
	require.ErrorIs(t, err, ErrPoolExhausted)
}
