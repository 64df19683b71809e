// Package layer expands OCI image layers into a directory tree: a per-layer
// whiteout pass, extraction with exclude patterns, and a recursive chmod
// u+rw(+x) pass so later layers are never blocked by restrictive modes.
// Compression is detected per layer, so gzip/zstd/uncompressed archives all
// work transparently.
package layer

import (
	"archive/tar"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	archive "github.com/moby/go-archive"

	"github.com/hpc-forge/sarus-engine/internal/sylog"
	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

// emptyTarSHA256 is the well-known digest of an empty tar archive; a layer
// whose archive file is named after it is skipped without error. OCI blob
// files are named by the bare hex digest, but a "sha256:"-prefixed or
// ".tar"-suffixed spelling is also recognized.
const emptyTarSHA256 = "a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4"

const (
	whiteoutPrefix     = ".wh."
	whiteoutOpaqueName = ".wh..wh..opq"
)

var excludePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^dev/`),
	regexp.MustCompile(`^/`),
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`^.*\.wh\..*`),
}

// severity partitions extraction errors: warn-level failures are logged
// and extraction continues; fatal ones fail the layer outright.
type severity int

const (
	severityFatal severity = iota
	severityWarn
)

// ExpandLayers extracts archivePaths (ordered parent -> child) into
// destDir, applying whiteouts from each layer before extracting its
// remaining entries, skipping the well-known empty-tar layer, and
// performing the post-layer chmod pass.
func ExpandLayers(archivePaths []string, destDir string) error {
	for _, archivePath := range archivePaths {
		name := strings.TrimSuffix(filepath.Base(archivePath), ".tar")
		if strings.TrimPrefix(name, "sha256:") == emptyTarSHA256 {
			sylog.Debugf("layer: skipping empty layer %s", archivePath)
			continue
		}

		if _, err := os.Stat(archivePath); err != nil {
			return xerrors.Wrap(xerrors.Extraction, err, "missing layer archive %q", archivePath)
		}

		sylog.Infof("layer: extracting %s", archivePath)

		whiteouts, err := readWhiteouts(archivePath)
		if err != nil {
			return err
		}
		if err := applyWhiteouts(whiteouts, destDir); err != nil {
			return err
		}

		if err := extractWithExcludes(archivePath, destDir); err != nil {
			return err
		}

		if err := chmodRecursive(destDir); err != nil {
			return err
		}
	}
	return nil
}

// whiteoutEntry is one `.wh.*` marker found in a layer.
type whiteoutEntry struct {
	// dir is the directory the whiteout applies within (relative to the
	// expansion root); name is "" for an opaque whiteout (the whole dir
	// is cleared) or the entry name being deleted otherwise.
	dir, name string
	opaque    bool
}

// readWhiteouts enumerates entries in archivePath, collecting whiteout
// markers without extracting them.
func readWhiteouts(archivePath string) ([]whiteoutEntry, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Extraction, err, "opening layer archive %q", archivePath)
	}
	defer f.Close()

	decompressed, err := archive.DecompressStream(f)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Extraction, err, "detecting compression of %q", archivePath)
	}
	defer decompressed.Close()

	tr := tar.NewReader(decompressed)
	var whiteouts []whiteoutEntry

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Extraction, err, "reading entry in %q", archivePath)
		}

		base := path.Base(hdr.Name)
		if !strings.HasPrefix(base, whiteoutPrefix) {
			continue
		}
		dir := path.Dir(hdr.Name)
		if base == whiteoutOpaqueName {
			whiteouts = append(whiteouts, whiteoutEntry{dir: dir, opaque: true})
			continue
		}
		whiteouts = append(whiteouts, whiteoutEntry{dir: dir, name: strings.TrimPrefix(base, whiteoutPrefix)})
	}
	return whiteouts, nil
}

// applyWhiteouts applies whiteouts collected from a layer to the
// accumulated tree in destDir, before that layer's remaining entries are
// extracted.
func applyWhiteouts(whiteouts []whiteoutEntry, destDir string) error {
	for _, w := range whiteouts {
		dir := filepath.Join(destDir, filepath.FromSlash(w.dir))

		if w.opaque {
			entries, err := os.ReadDir(dir)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return xerrors.Wrap(xerrors.Extraction, err, "applying opaque whiteout to %q", dir)
			}
			for _, e := range entries {
				if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
					return xerrors.Wrap(xerrors.Extraction, err, "applying opaque whiteout to %q", filepath.Join(dir, e.Name()))
				}
			}
			continue
		}

		target := filepath.Join(dir, filepath.FromSlash(w.name))
		if err := os.RemoveAll(target); err != nil {
			return xerrors.Wrap(xerrors.Extraction, err, "applying whiteout to %q", target)
		}
	}
	return nil
}

func isExcluded(name string) bool {
	for _, re := range excludePatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// extractWithExcludes extracts archivePath's non-whiteout, non-excluded
// entries into destDir, forbidding absolute paths, ".." traversal, and
// unsafe symlink targets.
func extractWithExcludes(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return xerrors.Wrap(xerrors.Extraction, err, "opening layer archive %q", archivePath)
	}
	defer f.Close()

	decompressed, err := archive.DecompressStream(f)
	if err != nil {
		return xerrors.Wrap(xerrors.Extraction, err, "detecting compression of %q", archivePath)
	}
	defer decompressed.Close()

	tr := tar.NewReader(decompressed)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return xerrors.Wrap(xerrors.Extraction, err, "reading entry in %q", archivePath)
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if isExcluded(name) {
			continue
		}
		base := path.Base(name)
		if strings.HasPrefix(base, whiteoutPrefix) {
			continue
		}

		target, ok := safeJoin(destDir, name)
		if !ok {
			sylog.Infof("layer: skipping unsafe entry %q in %q", hdr.Name, archivePath)
			continue
		}

		if err := extractEntry(tr, hdr, target); err != nil {
			if sev(err) == severityWarn {
				sylog.Infof("layer: %s: entry %q: %v", archivePath, hdr.Name, err)
				continue
			}
			return xerrors.Wrap(xerrors.Extraction, err, "extracting %q from %q", hdr.Name, archivePath)
		}
	}
	return nil
}

// sev classifies an extraction error as warn-and-continue vs. fatal. Only
// permission-shaped failures on an individual entry are treated as
// recoverable; structural archive corruption is fatal.
func sev(err error) severity {
	if os.IsPermission(err) {
		return severityWarn
	}
	return severityFatal
}

// safeJoin joins base and name, rejecting absolute paths, ".." escapes, and
// symlink extraction targets that would land outside base.
func safeJoin(base, name string) (string, bool) {
	if filepath.IsAbs(name) {
		return "", false
	}
	clean := filepath.Clean(filepath.Join(base, name))
	if !strings.HasPrefix(clean, filepath.Clean(base)+string(filepath.Separator)) && clean != filepath.Clean(base) {
		return "", false
	}
	return clean, true
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, target string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode))
	case tar.TypeSymlink:
		if filepath.IsAbs(hdr.Linkname) || strings.Contains(hdr.Linkname, "..") {
			return nil
		}
		os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		linkTarget, ok := safeJoin(filepath.Dir(target), filepath.Base(hdr.Linkname))
		if !ok {
			return nil
		}
		os.Remove(target)
		return os.Link(linkTarget, target)
	default:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		defer out.Close()
		if _, err := io.Copy(out, tr); err != nil {
			return err
		}
		return os.Chtimes(target, hdr.AccessTime, hdr.ModTime)
	}
}

// chmodRecursive applies +rw (and +x on directories) to every non-symlink
// entry under destDir, so later layers/mounts are never blocked by a
// layer's restrictive permissions.
func chmodRecursive(destDir string) error {
	return filepath.Walk(destDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		mode := info.Mode().Perm() | 0o600
		if info.IsDir() {
			mode |= 0o100
		}
		return os.Chmod(p, mode)
	})
}
