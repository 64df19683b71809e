package cgroups

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowDevice_AppendsRule(t *testing.T) {
	dir := t.TempDir()
	allowPath := filepath.Join(dir, "devices.allow")
	require.NoError(t, os.WriteFile(allowPath, []byte("existing\n"), 0o644))

	require.NoError(t, AllowDevice(dir, "c 1:3 rwm"))

	content, err := os.ReadFile(allowPath)
	require.NoError(t, err)
	assert.Equal(t, "existing\nc 1:3 rwm", string(content))
}

func TestAllowDevice_MissingFileFails(t *testing.T) {
	err := AllowDevice(t.TempDir(), "c 1:3 rwm")
	require.Error(t, err)
}

// TestFindDevicesMount_ReadsRealMountinfo exercises the /proc/1/mountinfo
// parser against the real file available in this environment, rather than a
// fixture, since the format is fixed by the kernel and not easily faked via
// an alternate path (the function does not take a path parameter).
func TestFindDevicesMount_ReadsRealMountinfo(t *testing.T) {
	if _, err := os.Stat("/proc/1/mountinfo"); err != nil {
		t.Skip("no /proc/1/mountinfo available in this environment")
	}

	root, mountPoint, err := findDevicesMount()
	require.NoError(t, err)
	assert.NotEmpty(t, mountPoint)
	assert.NotEmpty(t, root)
}

func TestFindProcessCgroupPath_CurrentProcess(t *testing.T) {
	if _, err := os.Stat("/proc/self/cgroup"); err != nil {
		t.Skip("no /proc/self/cgroup available in this environment")
	}

	path, err := findProcessCgroupPath(os.Getpid(), "devices")
	if err != nil {
		// Pure cgroup v2 hosts have no "devices" controller entry; the
		// unified hierarchy fallback is exercised by DevicesPath itself.
		t.Skipf("devices controller not present on this host: %v", err)
	}
	assert.NotEmpty(t, path)
}

func TestDevicesPath_ResolvesForInitProcess(t *testing.T) {
	if _, err := os.Stat("/proc/1/mountinfo"); err != nil {
		t.Skip("no /proc/1/mountinfo available in this environment")
	}

	path, err := DevicesPath(1)
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}
