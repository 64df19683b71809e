// Package repository implements the locked per-user and centralized image
// stores: list/add/remove over a metadata JSON that is only ever replaced
// atomically, serialized across processes by an advisory lock on a
// dedicated lock file.
package repository

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/gofrs/flock"

	"github.com/hpc-forge/sarus-engine/internal/sylog"
	"github.com/hpc-forge/sarus-engine/internal/xerrors"
	"github.com/hpc-forge/sarus-engine/pkg/imageref"
)

// StoredImage is the persisted record for one locally-materialized image.
type StoredImage struct {
	Reference    imageref.Reference `json:"reference"`
	Digest       string             `json:"digest"`
	Size         int64              `json:"sizeBytes"`
	Created      time.Time          `json:"created"`
	SquashfsPath string             `json:"squashfsPath"`
	MetadataPath string             `json:"metadataPath"`
}

// SizeString renders Size as a human-readable byte count ("128.3MB") for
// the `images` table column.
func (s StoredImage) SizeString() string {
	return units.HumanSize(float64(s.Size))
}

const (
	metadataFileName = "metadata.json"
	lockFileName     = "metadata.json.lock"
	imagesDirName    = "images"
	cacheDirName     = "cache"
	tempDirName      = "temp"

	defaultWarnAfter = 1 * time.Second
	initialPoll      = 10 * time.Millisecond
	maxPoll          = 500 * time.Millisecond
)

// Repository is a locked local (per-user) or centralized (site-wide) image
// store.
type Repository struct {
	baseDir      string
	metadataPath string
	lockPath     string
	imagesDir    string
	cacheDir     string
	tempDir      string
	centralized  bool
}

// NewLocal returns the per-user repository for username, rooted at
// base/<username>/<folder>.
func NewLocal(base, username, folder string) *Repository {
	return newRepository(filepath.Join(base, username, folder), false)
}

// NewCentralized returns the site-wide repository. The caller must be
// running with effective uid 0; enforced by the orchestrator, not here,
// since privilege checks belong with the identity switcher.
func NewCentralized(dir string) *Repository {
	return newRepository(dir, true)
}

func newRepository(dir string, centralized bool) *Repository {
	return &Repository{
		baseDir:      dir,
		metadataPath: filepath.Join(dir, metadataFileName),
		lockPath:     filepath.Join(dir, lockFileName),
		imagesDir:    filepath.Join(dir, imagesDirName),
		cacheDir:     filepath.Join(dir, cacheDirName),
		tempDir:      filepath.Join(dir, tempDirName),
		centralized:  centralized,
	}
}

// acquire obtains a shared or exclusive lock on r's lock file within
// timeout, busy-waiting with a doubling poll interval and emitting a
// periodic WARN once the wait exceeds the warning threshold.
func (r *Repository) acquire(exclusive bool, timeout time.Duration) (*flock.Flock, error) {
	if err := os.MkdirAll(r.baseDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.Repository, err, "creating repository directory %q", r.baseDir)
	}

	fl := flock.New(r.lockPath)
	start := time.Now()
	nextWarn := start.Add(defaultWarnAfter)
	poll := initialPoll

	deadline := start.Add(timeout)
	for {
		var ok bool
		var err error
		if exclusive {
			ok, err = fl.TryLock()
		} else {
			ok, err = fl.TryRLock()
		}
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Repository, err, "locking %q", r.lockPath)
		}
		if ok {
			return fl, nil
		}

		if time.Now().After(nextWarn) {
			sylog.Warningf("repository: still waiting on lock %q after %s", r.lockPath, time.Since(start).Round(time.Millisecond))
			nextWarn = time.Now().Add(defaultWarnAfter)
		}

		if timeout > 0 && time.Now().After(deadline) {
			return nil, xerrors.New(xerrors.Repository, "timed out after %s waiting for lock on %q", timeout, r.lockPath)
		}
		time.Sleep(poll)
		if poll < maxPoll {
			poll *= 2
		}
	}
}

// List returns all stored images, taking a shared lock.
func (r *Repository) List(timeout time.Duration) ([]StoredImage, error) {
	fl, err := r.acquire(false, timeout)
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	return r.readMetadata()
}

func (r *Repository) readMetadata() ([]StoredImage, error) {
	data, err := os.ReadFile(r.metadataPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Repository, err, "reading metadata file %q", r.metadataPath)
	}

	var images []StoredImage
	if err := json.Unmarshal(data, &images); err != nil {
		return nil, xerrors.Wrap(xerrors.Repository, err, "parsing metadata file %q", r.metadataPath)
	}
	return images, nil
}

// writeMetadataAtomic writes images to a temp file in baseDir and renames
// it over the metadata path, so no reader ever observes a partial write.
func (r *Repository) writeMetadataAtomic(images []StoredImage) error {
	data, err := json.MarshalIndent(images, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.Repository, err, "encoding metadata")
	}

	tmp, err := os.CreateTemp(r.baseDir, ".metadata-*.tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.Repository, err, "creating temp metadata file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.Repository, err, "writing temp metadata file")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.Repository, err, "closing temp metadata file")
	}

	if err := os.Rename(tmp.Name(), r.metadataPath); err != nil {
		return xerrors.Wrap(xerrors.Repository, err, "renaming temp metadata file into place")
	}
	return nil
}

// Add registers image, taking an exclusive lock. The caller must already
// have placed image.SquashfsPath/MetadataPath at their final locations:
// ingestion writes to temp paths and renames before calling Add, so no
// image is ever registered without both files present.
func (r *Repository) Add(timeout time.Duration, image StoredImage) error {
	fl, err := r.acquire(true, timeout)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	images, err := r.readMetadata()
	if err != nil {
		return err
	}

	key := image.Reference.Key()
	filtered := images[:0]
	for _, img := range images {
		if img.Reference.Key() != key {
			filtered = append(filtered, img)
		}
	}
	images = append(filtered, image)

	return r.writeMetadataAtomic(images)
}

// Remove deletes the squashfs and metadata files for ref and rewrites the
// metadata JSON, taking an exclusive lock.
func (r *Repository) Remove(timeout time.Duration, ref imageref.Reference) error {
	fl, err := r.acquire(true, timeout)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	images, err := r.readMetadata()
	if err != nil {
		return err
	}

	key := ref.Key()
	var remaining []StoredImage
	var removed *StoredImage
	for _, img := range images {
		if img.Reference.Key() == key {
			img := img
			removed = &img
			continue
		}
		remaining = append(remaining, img)
	}
	if removed == nil {
		return xerrors.New(xerrors.Repository, "image %q is not present in the repository", ref.String())
	}

	if err := os.Remove(removed.SquashfsPath); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.Repository, err, "removing squashfs file %q", removed.SquashfsPath)
	}
	if err := os.Remove(removed.MetadataPath); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.Repository, err, "removing image metadata file %q", removed.MetadataPath)
	}

	return r.writeMetadataAtomic(remaining)
}

// Lookup returns the StoredImage for ref, taking a shared lock.
func (r *Repository) Lookup(timeout time.Duration, ref imageref.Reference) (StoredImage, error) {
	images, err := r.List(timeout)
	if err != nil {
		return StoredImage{}, err
	}
	key := ref.Key()
	for _, img := range images {
		if img.Reference.Key() == key {
			return img, nil
		}
	}
	return StoredImage{}, xerrors.New(xerrors.Repository, "image %q not found in repository", ref.String())
}

// ImagePaths returns the final (squashfs, metadata) destination paths for
// ref within this repository, creating the enclosing directory.
func (r *Repository) ImagePaths(ref imageref.Reference) (squashfsPath, metadataPath string, err error) {
	dir := filepath.Join(r.imagesDir, ref.Server, ref.Namespace, ref.Image)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", xerrors.Wrap(xerrors.Repository, err, "creating image directory %q", dir)
	}
	tagOrDigest := ref.Tag
	if tagOrDigest == "" {
		tagOrDigest = ref.Digest
	}
	return filepath.Join(dir, tagOrDigest+".squashfs"),
		filepath.Join(dir, tagOrDigest+".meta"),
		nil
}

// TempDir returns (creating if needed) the repository's scratch directory
// for in-progress ingestion.
func (r *Repository) TempDir() (string, error) {
	if err := os.MkdirAll(r.tempDir, 0o700); err != nil {
		return "", xerrors.Wrap(xerrors.Repository, err, "creating temp directory %q", r.tempDir)
	}
	return r.tempDir, nil
}

// CacheDir returns (creating if needed) the pulled-layer cache directory.
func (r *Repository) CacheDir() (string, error) {
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.Repository, err, "creating cache directory %q", r.cacheDir)
	}
	return r.cacheDir, nil
}
