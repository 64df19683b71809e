package unpacker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakeTool(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-umoci")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestNew_RejectsMissingTool(t *testing.T) {
	_, err := New("/nonexistent/umoci")
	require.Error(t, err)
}

func TestNew_RejectsNonRegularFile(t *testing.T) {
	dir := t.TempDir()
	_, err := New(dir)
	require.Error(t, err)
}

func TestUnpack_BuildsRawUnpackArgs(t *testing.T) {
	dir := t.TempDir()
	tool := writeFakeTool(t, dir, `echo "$@" > `+filepath.Join(dir, "args.txt")+`
exit 0
`)

	u, err := New(tool)
	require.NoError(t, err)

	dest := filepath.Join(dir, "rootfs")
	require.NoError(t, u.Unpack(context.Background(), filepath.Join(dir, "oci"), "latest", dest))

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "raw unpack")
	assert.Contains(t, string(args), "--rootless")
	assert.Contains(t, string(args), filepath.Join(dir, "oci")+":latest")
	assert.Contains(t, string(args), dest)
}

func TestUnpack_FailurePropagatesStderr(t *testing.T) {
	dir := t.TempDir()
	tool := writeFakeTool(t, dir, `echo "unpack exploded" >&2
exit 1
`)

	u, err := New(tool)
	require.NoError(t, err)

	err = u.Unpack(context.Background(), filepath.Join(dir, "oci"), "latest", filepath.Join(dir, "rootfs"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unpack exploded")
}

func TestCheckTamperable_RejectsWorldWritableTool(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o755))
	tool := writeFakeTool(t, dir, "exit 0\n")
	require.NoError(t, os.Chmod(tool, 0o777))

	u, err := New(tool)
	require.NoError(t, err)

	err = u.CheckTamperable()
	require.Error(t, err)
}

func TestCheckTamperable_PassesForOwnerOnlyWritableTool(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o755))
	tool := writeFakeTool(t, dir, "exit 0\n")
	require.NoError(t, os.Chmod(tool, 0o755))

	u, err := New(tool)
	require.NoError(t, err)

	require.NoError(t, u.CheckTamperable())
}
