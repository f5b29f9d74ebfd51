package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCLIOnly(t *testing.T) {
	conf, err := Load([]string{"--upstream", "8.8.8.8:53"})
	require.NoError(t, err)
	require.Equal(t, []string{"8.8.8.8:53"}, conf.Upstreams)
	require.Equal(t, "direct", conf.DefaultAction)
}

func TestLoadRejectsMissingUpstream(t *testing.T) {
	_, err := Load([]string{})
	require.Error(t, err)
}

func TestLoadYAMLFillsGapsWithoutOverridingFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream:\n  - 1.1.1.1:53\ndefault-action: proxy\n"), 0o644))

	conf, err := Load([]string{"--config-path", path, "--default-action", "reject"})
	require.NoError(t, err)
	require.Equal(t, []string{"1.1.1.1:53"}, conf.Upstreams)
	require.Equal(t, "reject", conf.DefaultAction)
}

func TestValidateRejectsUnknownDefaultAction(t *testing.T) {
	_, err := Load([]string{"--upstream", "8.8.8.8:53", "--default-action", "bogus"})
	require.Error(t, err)
}
