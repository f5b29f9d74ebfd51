package dnsserver

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/quietfox/tungate/internal/hosts"
	"github.com/quietfox/tungate/internal/resolver"
	"github.com/quietfox/tungate/internal/rules"
	"github.com/quietfox/tungate/internal/stats"
	"github.com/quietfox/tungate/internal/store"
	"github.com/quietfox/tungate/internal/upstream"
)

func newTestResolver(t *testing.T) *resolver.Resolver {
	t.Helper()

	h, err := hosts.Load(filepath.Join(t.TempDir(), "nonexistent-hosts"))
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), netip.MustParsePrefix("198.18.0.0/16"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	engine := rules.NewEngine(rules.ActionDirect)
	up := upstream.New("127.0.0.1:0", time.Second)

	return resolver.New(h, engine, nil, st, up, false)
}

func TestServeResolvesQuery(t *testing.T) {
	r := newTestResolver(t)
	sm := stats.New()

	srv := New("127.0.0.1:0", r, sm, 0, 0)
	require.NoError(t, srv.Start())
	defer srv.Shutdown(context.Background()) //nolint:errcheck

	addr := srv.udp.PacketConn.LocalAddr().String()

	c := new(dns.Client)
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp, _, err := c.Exchange(req, addr)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	require.EqualValues(t, 1, sm.Get("dns::queries"))
}

func TestServeRatelimitsPerClient(t *testing.T) {
	r := newTestResolver(t)
	sm := stats.New()

	srv := New("127.0.0.1:0", r, sm, 0, 1)
	require.NoError(t, srv.Start())
	defer srv.Shutdown(context.Background()) //nolint:errcheck

	addr := srv.udp.PacketConn.LocalAddr().String()

	c := new(dns.Client)
	for i := 0; i < 5; i++ {
		req := new(dns.Msg)
		req.SetQuestion("example.com.", dns.TypeA)
		_, _, err := c.Exchange(req, addr)
		require.NoError(t, err)
	}

	require.GreaterOrEqual(t, sm.Get("dns::ratelimited"), uint64(1))
}
