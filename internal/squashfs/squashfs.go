// Package squashfs builds SquashFS images by invoking the external
// mksquashfs binary and atomically renaming the result into place.
package squashfs

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hpc-forge/sarus-engine/internal/sylog"
	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

// Builder invokes mksquashfs.
type Builder struct {
	// Path to the mksquashfs binary.
	Path string
	// ExtraOpts are appended verbatim, taken as-is from the site config
	// string.
	ExtraOpts []string
}

// New constructs a Builder.
func New(path string, extraOpts string) *Builder {
	var opts []string
	if extraOpts != "" {
		opts = strings.Fields(extraOpts)
	}
	return &Builder{Path: path, ExtraOpts: opts}
}

// Build runs `mksquashfs src dest.<random> [extra-opts...]` and renames the
// result over dest, creating dest's parent directory if missing.
func (b *Builder) Build(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return xerrors.Wrap(xerrors.Config, err, "creating squashfs destination directory for %q", dest)
	}

	tmpDest := fmt.Sprintf("%s.%d", dest, rand.Uint64())

	args := []string{src, tmpDest}
	args = append(args, b.ExtraOpts...)

	sylog.Debugf("squashfs: executing %s %s", b.Path, strings.Join(args, " "))

	cmd := exec.Command(b.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(tmpDest)
		return xerrors.Wrap(xerrors.Subprocess, err, "mksquashfs failed: %s", stderr.String())
	}

	if err := os.Rename(tmpDest, dest); err != nil {
		os.Remove(tmpDest)
		return xerrors.Wrap(xerrors.Config, err, "renaming %q into place at %q", tmpDest, dest)
	}

	return nil
}
