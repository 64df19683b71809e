// Package unpacker orchestrates an external umoci-class tool to unpack an
// OCI image layout into a rootfs directory.
package unpacker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hpc-forge/sarus-engine/internal/pathvalidate"
	"github.com/hpc-forge/sarus-engine/internal/sylog"
	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

// Unpacker invokes an external umoci-class binary.
type Unpacker struct {
	ToolPath string
}

// New constructs an Unpacker, verifying toolPath exists and is a regular
// file.
func New(toolPath string) (*Unpacker, error) {
	info, err := os.Stat(toolPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Config, err, "stat unpack tool %q", toolPath)
	}
	if !info.Mode().IsRegular() {
		return nil, xerrors.New(xerrors.Config, "unpack tool %q is not a regular file", toolPath)
	}
	return &Unpacker{ToolPath: toolPath}, nil
}

// Unpack expands the OCI image ociDir:tag into dest, a fresh rootfs
// directory, via a fixed `raw unpack --rootless --image <oci>:<tag> <dest>`
// invocation. `--log=error` is always passed, regardless of the engine's
// own logger level.
func (u *Unpacker) Unpack(ctx context.Context, ociDir, tag, dest string) error {
	args := []string{
		"--log=error",
		"raw", "unpack",
		"--rootless",
		"--image", fmt.Sprintf("%s:%s", ociDir, tag),
		dest,
	}

	sylog.Debugf("unpacker: executing %s %s", u.ToolPath, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, u.ToolPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	sylog.Infof("unpacker: unpack of %s:%s completed in %s", ociDir, tag, time.Since(start).Round(time.Millisecond))

	if err != nil {
		return xerrors.Wrap(xerrors.Subprocess, err, "%s raw unpack failed: %s", u.ToolPath, stderr.String())
	}
	return nil
}

// CheckTamperable verifies the unpack tool binary is root-owned and not
// group/world-writable, as required for any trusted binary invoked by the
// SUID engine.
func (u *Unpacker) CheckTamperable() error {
	return pathvalidate.CheckUntamperable(u.ToolPath, pathvalidate.Strict)
}
