package stats

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetNestedPath(t *testing.T) {
	m := New()
	m.Set("dns::queries", uint64(5))
	require.EqualValues(t, 5, m.Get("dns::queries"))
	require.True(t, m.Exists("dns::queries"))
	require.False(t, m.Exists("dns::answers"))
}

func TestIncr(t *testing.T) {
	m := New()
	m.Incr("flows::direct", 1)
	m.Incr("flows::direct", 2)
	require.EqualValues(t, 3, m.Get("flows::direct"))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := New()
	m.Set("dns::queries", uint64(42))
	m.Set("flows::proxy", uint64(7))

	path := filepath.Join(t.TempDir(), "stats.json")
	m.SaveStats(path)

	m2 := New()
	m2.LoadStats(path)

	require.EqualValues(t, 42, m2.Get("dns::queries"))
	require.EqualValues(t, 7, m2.Get("flows::proxy"))
}
