package mount

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

// DeviceAccess is the r/w/m access bitmask of a device mount.
type DeviceAccess struct {
	Read, Write, Mknod bool
}

// ParseDeviceAccess parses a Docker-style "rwm" access string.
func ParseDeviceAccess(s string) (DeviceAccess, error) {
	if s == "" {
		return DeviceAccess{Read: true, Write: true, Mknod: true}, nil
	}
	var a DeviceAccess
	for _, c := range s {
		switch c {
		case 'r':
			a.Read = true
		case 'w':
			a.Write = true
		case 'm':
			a.Mknod = true
		default:
			return DeviceAccess{}, xerrors.New(xerrors.Mount, "invalid device access character %q in %q", c, s)
		}
	}
	return a, nil
}

// String renders the access bitmask as the Docker-style "rwm" string used
// in the devices-cgroup whitelist line.
func (a DeviceAccess) String() string {
	var b strings.Builder
	if a.Read {
		b.WriteByte('r')
	}
	if a.Write {
		b.WriteByte('w')
	}
	if a.Mknod {
		b.WriteByte('m')
	}
	return b.String()
}

// DeviceMount is a Mount plus the device major/minor/type derived from
// stat-ing the source.
type DeviceMount struct {
	Mount
	Type        rune // 'b' or 'c'
	Major, Minor uint32
	Access      DeviceAccess
}

// NewDeviceMount builds a DeviceMount from m, deriving type/major/minor by
// stat-ing m.Source. Returns a MountError if source is not an actual
// device file.
func NewDeviceMount(m Mount, access DeviceAccess) (DeviceMount, error) {
	info, err := os.Stat(m.Source)
	if err != nil {
		return DeviceMount{}, xerrors.Wrap(xerrors.Mount, err, "stat device source %q", m.Source)
	}

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return DeviceMount{}, xerrors.New(xerrors.Mount, "cannot determine device numbers for %q", m.Source)
	}

	var typ rune
	switch info.Mode() & os.ModeType {
	case os.ModeDevice:
		typ = 'b'
	case os.ModeDevice | os.ModeCharDevice:
		typ = 'c'
	default:
		return DeviceMount{}, xerrors.New(xerrors.Mount, "%q is not a device file", m.Source)
	}

	return DeviceMount{
		Mount:  m,
		Type:   typ,
		Major:  uint32(unix.Major(uint64(st.Rdev))),
		Minor:  uint32(unix.Minor(uint64(st.Rdev))),
		Access: access,
	}, nil
}

// CgroupRule renders the "<type> <major>:<minor> <access>" line appended
// to the container's devices.allow.
func (d DeviceMount) CgroupRule() string {
	return string(d.Type) + " " + strconv.Itoa(int(d.Major)) + ":" + strconv.Itoa(int(d.Minor)) + " " + d.Access.String()
}
