package mount

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/hpc-forge/sarus-engine/internal/identity"
	"github.com/hpc-forge/sarus-engine/internal/pathvalidate"
	"github.com/hpc-forge/sarus-engine/internal/sylog"
	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

// AllowedDevice identifies a device a validated destination is permitted to
// resolve onto: the rootfs device, the /tmp device, rootfs's own /dev, or
// the OverlayFS lower layer.
type AllowedDevice struct {
	Name string
	Dev  uint64
}

// Executor performs Mount/DeviceMount operations against a rootfs on
// behalf of a user identity.
type Executor struct {
	RootfsDir      string
	Identity       identity.Identity
	AllowedDevices []AllowedDevice
}

// NewExecutor returns an Executor bound to rootfsDir and id, with
// allowedDevices computed by the caller.
func NewExecutor(rootfsDir string, id identity.Identity, allowedDevices []AllowedDevice) *Executor {
	return &Executor{RootfsDir: rootfsDir, Identity: id, AllowedDevices: allowedDevices}
}

// Mount performs m against e's rootfs: validate as the user, create/chown
// the destination as root, bind-mount as fsuid=user. Any failure unwinds
// to root identity first.
func (e *Executor) Mount(m Mount) error {
	restore, err := identity.SwitchTo(e.Identity)
	if err != nil {
		return err
	}

	realSource, sourceIsDir, err := e.validateAsUser(m)
	if err != nil {
		restore()
		return err
	}

	realDest, err := e.validateDestination(m)
	if err != nil {
		restore()
		return err
	}

	if err := restore(); err != nil {
		return xerrors.Wrap(xerrors.Identity, err, "restoring root identity after mount validation")
	}

	if err := e.createAndChown(realDest, sourceIsDir); err != nil {
		return err
	}

	if err := e.bindMount(realSource, realDest, m.Flags); err != nil {
		return err
	}

	return nil
}

// validateAsUser resolves and checks m.Source while running as the
// container user. Some root-squashed network filesystems deny root reads,
// so the directory-vs-file check must happen while still the user.
func (e *Executor) validateAsUser(m Mount) (realSource string, isDir bool, err error) {
	realSource, err = filepath.EvalSymlinks(m.Source)
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.Mount, err, "resolving mount source %q", m.Source)
	}
	info, err := os.Stat(realSource)
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.Mount, err, "stat mount source %q", realSource)
	}
	return realSource, info.IsDir(), nil
}

// validateDestination resolves m.Destination within the rootfs and checks
// it (or its deepest existing ancestor) lands on an allowed device.
func (e *Executor) validateDestination(m Mount) (string, error) {
	relDest, err := pathvalidate.RealpathWithinRootfs(e.RootfsDir, m.Destination)
	if err != nil {
		return "", err
	}
	realDest := filepath.Join(e.RootfsDir, relDest)

	checkPath := realDest
	for {
		if info, statErr := os.Lstat(checkPath); statErr == nil {
			if err := e.checkAllowedDevice(checkPath, info); err != nil {
				return "", err
			}
			break
		}
		parent := filepath.Dir(checkPath)
		if parent == checkPath {
			return "", xerrors.New(xerrors.Mount, "no existing ancestor found for destination %q", m.Destination)
		}
		checkPath = parent
	}

	return realDest, nil
}

func (e *Executor) checkAllowedDevice(path string, info os.FileInfo) error {
	statPath := path
	if !info.IsDir() {
		statPath = filepath.Dir(path)
	}
	var st unix.Stat_t
	if err := unix.Stat(statPath, &st); err != nil {
		return xerrors.Wrap(xerrors.Mount, err, "stat %q for device check", statPath)
	}
	for _, allowed := range e.AllowedDevices {
		if allowed.Dev == st.Dev {
			return nil
		}
	}
	return xerrors.New(xerrors.Mount, "mount destination %q does not resolve to an allowed device", path)
}

// createAndChown creates the destination (directory or file) as root and
// chowns it to the container user.
func (e *Executor) createAndChown(dest string, isDir bool) error {
	if isDir {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return xerrors.Wrap(xerrors.Mount, err, "creating mount destination directory %q", dest)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return xerrors.Wrap(xerrors.Mount, err, "creating mount destination parent %q", filepath.Dir(dest))
		}
		f, err := os.OpenFile(dest, os.O_CREATE, 0o644)
		if err != nil {
			return xerrors.Wrap(xerrors.Mount, err, "creating mount destination file %q", dest)
		}
		f.Close()
	}
	if err := os.Chown(dest, int(e.Identity.UID), int(e.Identity.GID)); err != nil {
		return xerrors.Wrap(xerrors.Mount, err, "chown %q to %d:%d", dest, e.Identity.UID, e.Identity.GID)
	}
	return nil
}

// bindMount performs the three-step bind mount under the user's fsuid:
// MS_BIND|MS_REC, then MS_REMOUNT|MS_BIND with the requested flags, then
// MS_PRIVATE|MS_REC.
func (e *Executor) bindMount(source, dest string, flags uintptr) error {
	restore, err := identity.SetFSUID(e.Identity.UID)
	if err != nil {
		return err
	}
	defer func() {
		if err := restore(); err != nil {
			sylog.Errorf("mount: failed to restore fsuid: %v", err)
		}
	}()

	if err := unix.Mount(source, dest, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return xerrors.Wrap(xerrors.Mount, err, "bind mounting %q onto %q", source, dest)
	}

	remountFlags := unix.MS_REMOUNT | unix.MS_BIND | unix.MS_NOSUID | unix.MS_REC
	if flags&unix.MS_RDONLY != 0 {
		remountFlags |= unix.MS_RDONLY
	}
	if err := unix.Mount("", dest, "", uintptr(remountFlags), ""); err != nil {
		return xerrors.Wrap(xerrors.Mount, err, "remounting %q", dest)
	}

	if err := unix.Mount("", dest, "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return xerrors.Wrap(xerrors.Mount, err, "making %q private", dest)
	}

	return nil
}

// LoopMountSquashfs loop-mounts a squashfs file read-only at dir.
func LoopMountSquashfs(file, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.Mount, err, "creating squashfs mount point %q", dir)
	}
	if err := unix.Mount(file, dir, "squashfs", unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, "loop"); err != nil {
		return xerrors.Wrap(xerrors.Mount, err, "loop-mounting squashfs %q onto %q", file, dir)
	}
	return nil
}

// MountOverlayFS mounts an OverlayFS at dest with the given
// lower/upper/work directories.
func MountOverlayFS(lower, upper, work, dest string) error {
	opts := "lowerdir=" + lower + ",upperdir=" + upper + ",workdir=" + work
	if err := unix.Mount("overlay", dest, "overlay", 0, opts); err != nil {
		return xerrors.Wrap(xerrors.Mount, err, "mounting overlayfs onto %q", dest)
	}
	return nil
}

// Unmount lazily detaches the mount at path, used during bundle teardown.
func Unmount(path string) error {
	if err := unix.Unmount(path, unix.MNT_DETACH); err != nil {
		return xerrors.Wrap(xerrors.Mount, err, "unmounting %q", path)
	}
	return nil
}
