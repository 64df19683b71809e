package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpc-forge/sarus-engine/internal/mount"
)

func TestNewBundle_CreatesDirectoryTree(t *testing.T) {
	root := t.TempDir()
	b, err := NewBundle(root)
	require.NoError(t, err)

	for _, d := range []string{b.RootfsDir, b.LowerDir, b.UpperDir, b.WorkDir} {
		info, statErr := os.Stat(d)
		require.NoError(t, statErr)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(b.Dir, "config.json"), b.ConfigPath)
}

func TestNewBundle_UniqueDirectoriesAcrossCalls(t *testing.T) {
	root := t.TempDir()
	a, err := NewBundle(root)
	require.NoError(t, err)
	b, err := NewBundle(root)
	require.NoError(t, err)

	assert.NotEqual(t, a.Dir, b.Dir)
}

func TestTeardown_RemovesBundleDirectory(t *testing.T) {
	root := t.TempDir()
	b, err := NewBundle(root)
	require.NoError(t, err)

	b.Teardown()

	_, err = os.Stat(b.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestTeardown_TolerantOfNeverMountedPaths(t *testing.T) {
	root := t.TempDir()
	b, err := NewBundle(root)
	require.NoError(t, err)

	// RootfsDir/LowerDir were created but never mounted: Teardown must not
	// panic or error out when Unmount fails on a plain directory.
	assert.NotPanics(t, func() { b.Teardown() })
}

func TestAllowedDestinationDevices_IncludesRootfsAndLowerAndExtras(t *testing.T) {
	root := t.TempDir()
	b, err := NewBundle(root)
	require.NoError(t, err)

	devices, err := allowedDestinationDevices(b, []mount.AllowedDevice{{Name: "scratch", Dev: 999}})
	require.NoError(t, err)

	var names []string
	for _, d := range devices {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "rootfs")
	assert.Contains(t, names, "lower")
	assert.Contains(t, names, "scratch")
}
