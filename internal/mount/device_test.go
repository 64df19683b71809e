package mount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeviceMount_CharDevice(t *testing.T) {
	access, err := ParseDeviceAccess("rwm")
	require.NoError(t, err)

	m := Mount{Source: "/dev/null", Destination: "/dev/null"}
	dm, err := NewDeviceMount(m, access)
	require.NoError(t, err)

	assert.Equal(t, 'c', dm.Type)
	assert.Equal(t, uint32(1), dm.Major)
	assert.Equal(t, uint32(3), dm.Minor)
	assert.Equal(t, "c 1:3 rwm", dm.CgroupRule())
}

func TestNewDeviceMount_RejectsNonDevice(t *testing.T) {
	m := Mount{Source: "/etc/hostname", Destination: "/dev/fake"}
	_, err := NewDeviceMount(m, DeviceAccess{})
	require.Error(t, err)
}

func TestNewDeviceMount_MissingSource(t *testing.T) {
	m := Mount{Source: "/nonexistent-device-xyz", Destination: "/dev/fake"}
	_, err := NewDeviceMount(m, DeviceAccess{})
	require.Error(t, err)
}
