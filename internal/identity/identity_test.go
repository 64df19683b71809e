package identity

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func requireRoot(t *testing.T) {
	t.Helper()
	if unix.Geteuid() != 0 {
		t.Skip("test requires root (euid 0) to switch identities")
	}
}

func TestSwitchTo_AndRestore(t *testing.T) {
	requireRoot(t)

	target := Identity{UID: 65534, GID: 65534, SupplementaryGIDs: []uint32{65534}}

	restore, err := SwitchTo(target)
	require.NoError(t, err)

	assert.Equal(t, int(target.UID), unix.Geteuid())
	assert.Equal(t, int(target.GID), unix.Getegid())

	require.NoError(t, restore())

	assert.Equal(t, 0, unix.Geteuid())
	assert.Equal(t, 0, unix.Getegid())
}

func TestSetFSUID_VerifiedByReadback(t *testing.T) {
	requireRoot(t)

	restore, err := SetFSUID(65534)
	require.NoError(t, err)
	got, err := unix.SetfsuidRetUid(-1)
	require.NoError(t, err)
	assert.Equal(t, 65534, got)

	require.NoError(t, restore())
	got, err = unix.SetfsuidRetUid(-1)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

// TestDropAllPrivilegesAndExecNoNew_Subprocess exercises the irreversible
// privilege drop in a subprocess (it never restores root), following the
// os/exec package's own TestHelperProcess idiom.
func TestDropAllPrivilegesAndExecNoNew_Subprocess(t *testing.T) {
	requireRoot(t)

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess_DropPrivileges")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "helper process output: %s", out)
	assert.Contains(t, string(out), "dropped-ok")
}

// TestHelperProcess_DropPrivileges is not a real test: it is invoked as a
// subprocess by TestDropAllPrivilegesAndExecNoNew_Subprocess.
func TestHelperProcess_DropPrivileges(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		t.Skip("not invoked as helper process")
	}
	if err := DropAllPrivilegesAndExecNoNew(65534, 65534); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	if unix.Geteuid() != 65534 || unix.Getuid() != 65534 {
		t.Fatalf("uid not dropped: euid=%d uid=%d", unix.Geteuid(), unix.Getuid())
	}
	println("dropped-ok")
}
