package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDefaults(t *testing.T) {
	t.Setenv("HEARTH_HOME", t.TempDir())
	require.NoError(t, Initialize())

	assert.Equal(t, []string{"0.0.0.0:8776"}, GetStringSlice("listen"))
	assert.Equal(t, "main", GetString("network"))
	assert.Equal(t, "block", GetString("policy.default-seeding"))
	assert.Equal(t, 4, GetInt("fetch.concurrency"))
}

func TestHomeDirPrefersEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HEARTH_HOME", home)
	require.NoError(t, Initialize())

	assert.Equal(t, home, HomeDir())
	assert.Equal(t, filepath.Join(home, "storage"), StoragePath())
	assert.Equal(t, filepath.Join(home, "keys"), KeysPath())
	assert.Equal(t, filepath.Join(home, "control.sock"), ControlSocketPath())
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("HEARTH_HOME", t.TempDir())
	t.Setenv("HEARTH_NETWORK", "test")
	require.NoError(t, Initialize())

	assert.Equal(t, "test", GetString("network"))
	assert.Equal(t, SourceEnvVar, GetValueSource("network"))
}

func TestSeedsMergesConnectAndSeeds(t *testing.T) {
	t.Setenv("HEARTH_HOME", t.TempDir())
	require.NoError(t, Initialize())

	Set("seeds", []string{"z6Mkseed@example.com:8776"})
	Set("connect", []string{"z6Mkpeer@example.org:8776"})

	got := Seeds()
	assert.Contains(t, got, "z6Mkseed@example.com:8776")
	assert.Contains(t, got, "z6Mkpeer@example.org:8776")
}

func TestStoragePathExplicitOverridesDerived(t *testing.T) {
	t.Setenv("HEARTH_HOME", t.TempDir())
	require.NoError(t, Initialize())

	explicit := filepath.Join(os.TempDir(), "hearth-explicit-storage")
	Set("storage-path", explicit)
	assert.Equal(t, explicit, StoragePath())
}

func TestGetIdentityPrefersFlag(t *testing.T) {
	t.Setenv("HEARTH_HOME", t.TempDir())
	require.NoError(t, Initialize())

	got := GetIdentity("explicit-flag")
	assert.Equal(t, "explicit-flag", got)
}
