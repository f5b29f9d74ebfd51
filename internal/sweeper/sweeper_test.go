package sweeper

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietfox/tungate/internal/store"
)

func TestRunClearsDeadConnectionsPeriodically(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "t.db"), netip.MustParsePrefix("198.18.0.0/24"), nil)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.NewConnection(1, "example.com", "tcp", "direct", ""))
	require.NoError(t, st.ShutdownConnection(1))
	require.NoError(t, st.UpdateConnection(1, 0, 0, time.Now().Add(-time.Hour).Unix()))

	sw := New(st, 20*time.Millisecond, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go sw.Run(ctx)

	require.Eventually(t, func() bool {
		conns, lerr := st.ListConnections()
		require.NoError(t, lerr)
		return len(conns) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	sw.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "t.db"), netip.MustParsePrefix("198.18.0.0/24"), nil)
	require.NoError(t, err)
	defer st.Close()

	sw := New(st, time.Minute, 60)
	go sw.Run(context.Background())

	sw.Stop()
	sw.Stop()
}
