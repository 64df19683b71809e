package mount

import (
	"github.com/hpc-forge/sarus-engine/internal/cgroups"
)

// MountDevice bind-mounts d's device node via Mount, then appends its
// whitelist entry to the container's devices cgroup.
func (e *Executor) MountDevice(d DeviceMount, containerPID int) error {
	if err := e.Mount(d.Mount); err != nil {
		return err
	}

	devicesPath, err := cgroups.DevicesPath(containerPID)
	if err != nil {
		return err
	}

	return cgroups.AllowDevice(devicesPath, d.CgroupRule())
}
