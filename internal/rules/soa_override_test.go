package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSOAOverrideLoadAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.json")
	content := `{"domains":[{"name":"^parked\\.example$","mname":"ns1.example.","rname":"hostmaster.example.","serial":1,"refresh":3600,"retry":600,"expire":86400,"ttl":300,"mbox":"hostmaster."}]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	tbl := NewSOAOverrideTable()
	require.NoError(t, tbl.LoadFile(path))

	o, ok := tbl.Lookup("parked.example")
	require.True(t, ok)
	require.Equal(t, "ns1.example.", o.MNAME)

	_, ok = tbl.Lookup("other.example")
	require.False(t, ok)
}
