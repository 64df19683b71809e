// Package pathvalidate implements the tamperability check applied to every
// trusted path the SUID engine consumes, and the chroot-style path
// resolution used to contain mount destinations within a rootfs.
package pathvalidate

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

// Policy selects how thoroughly CheckUntamperable walks a path.
type Policy int

const (
	// Strict verifies path, every ancestor up to root, and (if path is a
	// directory) every descendant.
	Strict Policy = iota
	// Weak verifies only path itself. Used for the engine's own config
	// JSON, which must be read before the (weak) check runs, to avoid a
	// TOCTOU window on the schema file it references.
	Weak
)

// CheckUntamperable verifies that path (and, under Strict, its ancestry and
// descendants) is owned by uid 0 and is not group- or world-writable.
func CheckUntamperable(path string, policy Policy) error {
	info, err := os.Lstat(path)
	if err != nil {
		return xerrors.Wrap(xerrors.Security, err, "stat %q for tamperability check", path)
	}
	if err := checkOwnerAndMode(path, info); err != nil {
		return err
	}

	if policy == Weak {
		return nil
	}

	// Ancestors up to root.
	dir := filepath.Dir(path)
	for {
		dinfo, err := os.Lstat(dir)
		if err != nil {
			return xerrors.Wrap(xerrors.Security, err, "stat ancestor %q for tamperability check", dir)
		}
		if err := checkOwnerAndMode(dir, dinfo); err != nil {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if info.IsDir() {
		return filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return xerrors.Wrap(xerrors.Security, err, "walking %q for tamperability check", p)
			}
			if p == path {
				return nil
			}
			return checkOwnerAndMode(p, fi)
		})
	}

	return nil
}

func checkOwnerAndMode(path string, info os.FileInfo) error {
	if !isRootOwned(info) {
		return xerrors.New(xerrors.Security, "%q is not owned by uid 0", path)
	}
	// A sticky directory (e.g. /tmp) cannot have its entries replaced by
	// non-owners, so writability alone does not make the path tamperable.
	if info.IsDir() && info.Mode()&os.ModeSticky != 0 {
		return nil
	}
	if info.Mode()&(0o022) != 0 {
		return xerrors.New(xerrors.Security, "%q is group- or world-writable", path)
	}
	return nil
}

// RealpathWithinRootfs resolves path as though rootfs were the filesystem
// root: it traverses each component, expanding symlinks encountered under
// rootfs (both absolute, re-rooted at rootfs, and relative) without ever
// escaping rootfs, with ".." at "/" a no-op. It returns a path relative to
// rootfs (i.e. a path that, joined with rootfs, is the real location).
func RealpathWithinRootfs(rootfs, path string) (string, error) {
	resolved, _, err := realpathWithinRootfsTrace(rootfs, path, 0)
	return resolved, err
}

// RealpathWithinRootfsTrace behaves like RealpathWithinRootfs but also
// returns the list of symlinks traversed, for callers (e.g. an ABI
// resolver) that need to record them.
func RealpathWithinRootfsTrace(rootfs, path string) (string, []string, error) {
	return realpathWithinRootfsTrace(rootfs, path, 0)
}

const maxSymlinkDepth = 40

func realpathWithinRootfsTrace(rootfs, path string, depth int) (string, []string, error) {
	if depth > maxSymlinkDepth {
		return "", nil, xerrors.New(xerrors.Security, "too many levels of symbolic links resolving %q under %q", path, rootfs)
	}

	clean := filepath.Clean("/" + path)
	components := strings.Split(clean, string(filepath.Separator))

	var resolved []string
	var trace []string

	for _, c := range components {
		switch c {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
			continue
		}

		resolved = append(resolved, c)
		current := filepath.Join(rootfs, filepath.Join(resolved...))

		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				// Component doesn't exist yet; leave it in place for
				// callers that need to create it (e.g. mount
				// destinations) and stop resolving symlinks beyond
				// this point.
				continue
			}
			return "", nil, xerrors.Wrap(xerrors.Security, err, "stat %q while resolving within rootfs", current)
		}

		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}

		target, err := os.Readlink(current)
		if err != nil {
			return "", nil, xerrors.Wrap(xerrors.Security, err, "readlink %q", current)
		}
		trace = append(trace, current)

		var next string
		if filepath.IsAbs(target) {
			next = target
		} else {
			next = filepath.Join(string(filepath.Separator)+filepath.Join(resolved[:len(resolved)-1]...), target)
		}

		sub, subTrace, err := realpathWithinRootfsTrace(rootfs, next, depth+1)
		if err != nil {
			return "", nil, err
		}
		trace = append(trace, subTrace...)

		resolved = splitClean(sub)
	}

	final := string(filepath.Separator) + filepath.Join(resolved...)
	return filepath.Clean(final), trace, nil
}

func splitClean(p string) []string {
	clean := filepath.Clean("/" + p)
	var out []string
	for _, c := range strings.Split(clean, string(filepath.Separator)) {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
