// Package identity implements scoped privilege switch/restore for the
// SUID-root engine: temporary drops to the invoking user for validation
// work, fsuid-only drops for mounts on root-squashed filesystems, and the
// terminal full privilege drop before handing off to the OCI runtime.
package identity

import (
	"fmt"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hpc-forge/sarus-engine/internal/sylog"
	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

// Identity is a user identity: (uid, gid, supplementary gids).
type Identity struct {
	UID               uint32
	GID               uint32
	SupplementaryGIDs []uint32
}

// Restore is returned by every scoped switch below; it must be called to
// return the calling OS thread to the root identity it had before the
// switch, and to unlock the goroutine from its OS thread.
type Restore func() error

// rootIdentity captures the thread's real/effective uid/gid/groups so a
// failed partial switch can be rolled back, and so Restore can put things
// back exactly as they were.
type rootIdentity struct {
	uid, gid uint32
	groups   []int
}

func captureRoot() (rootIdentity, error) {
	groups, err := unix.Getgroups()
	if err != nil {
		return rootIdentity{}, xerrors.Wrap(xerrors.Identity, err, "getgroups failed")
	}
	return rootIdentity{
		uid:    uint32(unix.Geteuid()),
		gid:    uint32(unix.Getegid()),
		groups: groups,
	}, nil
}

func (r rootIdentity) restore() error {
	if err := syscall.Seteuid(int(r.uid)); err != nil {
		return fmt.Errorf("restoring euid: %w", err)
	}
	if err := syscall.Setegid(int(r.gid)); err != nil {
		return fmt.Errorf("restoring egid: %w", err)
	}
	if err := unix.Setgroups(r.groups); err != nil {
		return fmt.Errorf("restoring groups: %w", err)
	}
	return nil
}

// SwitchTo locks the calling goroutine to its OS thread and switches the
// thread's groups/gid/uid to id. On any failure of setgroups/setegid/seteuid
// it rolls back whatever was already applied and restores the original
// root identity before returning an IdentityError.
func SwitchTo(id Identity) (Restore, error) {
	runtime.LockOSThread()

	root, err := captureRoot()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}

	groups := make([]int, len(id.SupplementaryGIDs))
	for i, g := range id.SupplementaryGIDs {
		groups[i] = int(g)
	}

	rollback := func(cause error) (Restore, error) {
		if rerr := root.restore(); rerr != nil {
			sylog.Errorf("identity: failed to roll back to root after partial switch: %v", rerr)
		}
		runtime.UnlockOSThread()
		return nil, xerrors.Wrap(xerrors.Identity, cause, "switching identity to uid=%d gid=%d", id.UID, id.GID)
	}

	if err := unix.Setgroups(groups); err != nil {
		return rollback(err)
	}
	if err := syscall.Setegid(int(id.GID)); err != nil {
		return rollback(err)
	}
	if err := syscall.Seteuid(int(id.UID)); err != nil {
		return rollback(err)
	}

	sylog.Debugf("identity: switched to uid=%d gid=%d groups=%v", id.UID, id.GID, groups)

	return func() error {
		defer runtime.UnlockOSThread()
		return root.restore()
	}, nil
}

// SetFSUID drops only the thread's filesystem UID to id.UID, keeping the
// root euid (and thus the CAP_SYS_ADMIN needed to call mount()). Used when
// a mount source lives on a root-squashed network filesystem, where root
// cannot read the source but must still perform the mount() syscall. The
// switch is verified by reading the fsuid back with setfsuid(-1).
func SetFSUID(uid uint32) (Restore, error) {
	prevUID, err := unix.SetfsuidRetUid(int(uid))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Identity, err, "setfsuid to %d", uid)
	}
	got, err := unix.SetfsuidRetUid(-1)
	if err != nil || got != int(uid) {
		unix.Setfsuid(prevUID)
		return nil, xerrors.New(xerrors.Identity, "setfsuid to %d did not take effect (got %d)", uid, got)
	}
	return func() error {
		if err := unix.Setfsuid(prevUID); err != nil {
			return xerrors.Wrap(xerrors.Identity, err, "restoring fsuid to %d", prevUID)
		}
		if got, err := unix.SetfsuidRetUid(-1); err != nil || got != prevUID {
			return xerrors.New(xerrors.Identity, "failed to restore fsuid to %d (got %d)", prevUID, got)
		}
		return nil
	}, nil
}

// capLastCap is an upper bound on the capability values the drop loop
// probes; PR_CAPBSET_DROP stops at the first EINVAL anyway.
const capLastCap = 40

// DropAllPrivilegesAndExecNoNew clears every bounding-set capability via
// PR_CAPBSET_DROP, clears supplementary groups, sets real/effective/saved
// uid+gid to targetUID/targetGID, and sets no_new_privs. It is the terminal
// privilege operation before handing off to the external OCI runtime;
// there is no restoration path after it succeeds.
func DropAllPrivilegesAndExecNoNew(targetUID, targetGID uint32) error {
	for cap := 0; cap <= capLastCap; cap++ {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(cap), 0, 0, 0); err != nil {
			if err == unix.EINVAL {
				break
			}
			return xerrors.Wrap(xerrors.Identity, err, "dropping capability %d from bounding set", cap)
		}
	}

	if err := unix.Setgroups(nil); err != nil {
		return xerrors.Wrap(xerrors.Identity, err, "clearing supplementary groups")
	}
	if err := unix.Setresgid(int(targetGID), int(targetGID), int(targetGID)); err != nil {
		return xerrors.Wrap(xerrors.Identity, err, "setting real/effective/saved gid to %d", targetGID)
	}
	if err := unix.Setresuid(int(targetUID), int(targetUID), int(targetUID)); err != nil {
		return xerrors.Wrap(xerrors.Identity, err, "setting real/effective/saved uid to %d", targetUID)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return xerrors.Wrap(xerrors.Identity, err, "setting no_new_privs")
	}

	sylog.Debugf("identity: dropped all privileges, now uid=%d gid=%d", targetUID, targetGID)
	return nil
}
