package squashfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeTool writes an executable shell script standing in for
// mksquashfs, so Build's argument construction and error handling can be
// exercised without the real binary.
func writeFakeTool(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestBuild_RenamesResultIntoPlace(t *testing.T) {
	dir := t.TempDir()
	tool := writeFakeTool(t, dir, "fake-mksquashfs", `
dest="$2"
echo "squashed" > "$dest"
exit 0
`)

	b := New(tool, "")
	destDir := filepath.Join(dir, "nested", "out")
	dest := filepath.Join(destDir, "image.squashfs")

	require.NoError(t, b.Build(filepath.Join(dir, "src"), dest))

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "squashed\n", string(content))
}

func TestBuild_ExtraOptsAppendedVerbatim(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	tool := writeFakeTool(t, dir, "fake-mksquashfs", `
dest="$2"
shift 2
echo "$@" > `+argsFile+`
echo "ok" > "$dest"
exit 0
`)

	b := New(tool, "-comp xz -no-progress")
	dest := filepath.Join(dir, "out.squashfs")
	require.NoError(t, b.Build(filepath.Join(dir, "src"), dest))

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "-comp xz -no-progress\n", string(args))
}

func TestBuild_FailureRemovesTempFileAndLeavesDestAbsent(t *testing.T) {
	dir := t.TempDir()
	tool := writeFakeTool(t, dir, "fake-mksquashfs", `
dest="$2"
echo "partial" > "$dest"
exit 1
`)

	b := New(tool, "")
	dest := filepath.Join(dir, "out.squashfs")
	err := b.Build(filepath.Join(dir, "src"), dest)
	require.Error(t, err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))

	matches, err := filepath.Glob(dest + ".*")
	require.NoError(t, err)
	assert.Empty(t, matches, "temp file must be removed on failure")
}

func TestNew_EmptyExtraOptsProducesNilSlice(t *testing.T) {
	b := New("/usr/bin/mksquashfs", "")
	assert.Nil(t, b.ExtraOpts)
}

func TestNew_SplitsExtraOptsOnWhitespace(t *testing.T) {
	b := New("/usr/bin/mksquashfs", "  -comp  xz   ")
	assert.Equal(t, []string{"-comp", "xz"}, b.ExtraOpts)
}
