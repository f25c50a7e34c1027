package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
IdentityKey = "identity.key"

[NodeDB]
RootDir = "/var/lib/lokinet/nodedb"
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, RoleClient, cfg.Role)
	require.Equal(t, defaultLogLevel, cfg.Logging.Level)
	require.Equal(t, defaultMaxHops, cfg.PathBuild.NumHops)
	require.Equal(t, defaultNodeDBFlushSeconds, cfg.NodeDB.FlushIntervalSeconds)
}

func TestLoadFileRejectsMissingNodeDBRoot(t *testing.T) {
	path := writeTempConfig(t, `IdentityKey = "identity.key"`)
	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestLoadFileRejectsBadRole(t *testing.T) {
	path := writeTempConfig(t, `
Role = "bogus"
IdentityKey = "identity.key"
[NodeDB]
RootDir = "/tmp/nodedb"
`)
	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestLoadFileRejectsMissingFile(t *testing.T) {
	_, err := LoadFile("/nonexistent/path/node.toml")
	require.Error(t, err)
}
