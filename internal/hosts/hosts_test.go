package hosts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesEntriesAndComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	content := "127.0.0.1 localhost\n# comment line\n10.0.0.9 svc.internal svc\n\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	addr, ok := s.Lookup("localhost")
	require.True(t, ok)
	require.Equal(t, "127.0.0.1", addr.String())

	addr, ok = s.Lookup("svc")
	require.True(t, ok)
	require.Equal(t, "10.0.0.9", addr.String())

	_, ok = s.Lookup("unknown.example")
	require.False(t, ok)
}

func TestLookupAAAAReturnsV6EntryOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	content := "10.0.0.9 dual.internal\nfe80::9 dual.internal\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	v4, ok := s.Lookup("dual.internal")
	require.True(t, ok)
	require.Equal(t, "10.0.0.9", v4.String())

	v6, ok := s.LookupAAAA("dual.internal")
	require.True(t, ok)
	require.Equal(t, "fe80::9", v6.String())

	_, ok = s.LookupAAAA("localhost")
	require.False(t, ok)
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	_, ok := s.Lookup("anything")
	require.False(t, ok)
}
