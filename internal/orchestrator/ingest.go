package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/hpc-forge/sarus-engine/internal/imagelayout"
	"github.com/hpc-forge/sarus-engine/internal/layer"
	"github.com/hpc-forge/sarus-engine/internal/puller"
	"github.com/hpc-forge/sarus-engine/internal/repository"
	"github.com/hpc-forge/sarus-engine/internal/squashfs"
	"github.com/hpc-forge/sarus-engine/internal/unpacker"
	"github.com/hpc-forge/sarus-engine/internal/xerrors"
	"github.com/hpc-forge/sarus-engine/pkg/imageref"
)

// IngestSource selects how the OCI image layout backing an ingestion is
// produced: pulled from a registry or loaded from a local archive.
type IngestSource struct {
	Pull        bool // true: registry pull; false: load from ArchivePath
	ArchivePath string
}

// Ingester composes the puller/unpacker/layer-extractor/squashfs-builder
// pipeline that turns a remote or local image into a registered
// StoredImage.
type Ingester struct {
	Repo     *repository.Repository
	Puller   *puller.Puller
	Unpacker *unpacker.Unpacker // optional: nil selects the native layer extractor path
	Squash   *squashfs.Builder

	LockTimeout time.Duration
}

// Ingest pulls or loads ref into the repository's OCI layout cache, unpacks
// it (via the external unpack tool if configured, otherwise via the native
// layer extractor), squashes the result, and registers the StoredImage.
func (ig *Ingester) Ingest(ctx context.Context, ref imageref.Reference, source IngestSource) (repository.StoredImage, error) {
	tempDir, err := ig.Repo.TempDir()
	if err != nil {
		return repository.StoredImage{}, err
	}
	scratch, err := os.MkdirTemp(tempDir, "ingest-*")
	if err != nil {
		return repository.StoredImage{}, xerrors.Wrap(xerrors.Repository, err, "creating ingestion scratch directory")
	}
	defer os.RemoveAll(scratch)

	layoutDir := filepath.Join(scratch, "layout")
	unpackDir := filepath.Join(scratch, "unpacked")
	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}

	digest := ""
	if source.Pull {
		if err := ig.Puller.Pull(ctx, ref, layoutDir, tag); err != nil {
			return repository.StoredImage{}, err
		}
		remoteDigest, err := ig.Puller.RemoteDigest(ctx, ref)
		if err != nil {
			return repository.StoredImage{}, err
		}
		digest = remoteDigest
	} else {
		if err := ig.Puller.Load(ctx, source.ArchivePath, layoutDir, tag); err != nil {
			return repository.StoredImage{}, err
		}
	}

	image, err := imagelayout.Read(layoutDir)
	if err != nil {
		return repository.StoredImage{}, err
	}

	if err := os.MkdirAll(unpackDir, 0o755); err != nil {
		return repository.StoredImage{}, xerrors.Wrap(xerrors.Extraction, err, "creating unpack directory %q", unpackDir)
	}

	if ig.Unpacker != nil {
		if err := ig.Unpacker.Unpack(ctx, layoutDir, tag, unpackDir); err != nil {
			return repository.StoredImage{}, err
		}
	} else {
		layerPaths, err := imagelayout.LayerBlobPaths(layoutDir)
		if err != nil {
			return repository.StoredImage{}, err
		}
		if err := layer.ExpandLayers(layerPaths, unpackDir); err != nil {
			return repository.StoredImage{}, err
		}
	}

	squashfsPath, metadataPath, err := ig.Repo.ImagePaths(ref)
	if err != nil {
		return repository.StoredImage{}, err
	}

	if err := ig.Squash.Build(unpackDir, squashfsPath); err != nil {
		return repository.StoredImage{}, err
	}

	metadataJSON, err := json.MarshalIndent(image.Metadata, "", "  ")
	if err != nil {
		return repository.StoredImage{}, xerrors.Wrap(xerrors.Config, err, "encoding image metadata")
	}
	// Written next to its final location and renamed so a concurrent reader
	// never observes a half-written metadata file.
	tmpMetadata := metadataPath + ".tmp"
	if err := os.WriteFile(tmpMetadata, metadataJSON, 0o644); err != nil {
		return repository.StoredImage{}, xerrors.Wrap(xerrors.Repository, err, "writing image metadata %q", tmpMetadata)
	}
	if err := os.Rename(tmpMetadata, metadataPath); err != nil {
		os.Remove(tmpMetadata)
		return repository.StoredImage{}, xerrors.Wrap(xerrors.Repository, err, "renaming image metadata into place at %q", metadataPath)
	}

	info, err := os.Stat(squashfsPath)
	if err != nil {
		return repository.StoredImage{}, xerrors.Wrap(xerrors.Repository, err, "stat squashfs artifact %q", squashfsPath)
	}

	if digest == "" {
		digest = "sha256:" + image.ID
	}

	stored := repository.StoredImage{
		Reference:    ref,
		Digest:       digest,
		Size:         info.Size(),
		Created:      timeNow(),
		SquashfsPath: squashfsPath,
		MetadataPath: metadataPath,
	}

	if err := ig.Repo.Add(ig.LockTimeout, stored); err != nil {
		return repository.StoredImage{}, err
	}

	return stored, nil
}

// timeNow is isolated to ease substitution; the engine has no need for a
// monotonic clock abstraction beyond this single call site.
func timeNow() time.Time {
	return time.Now()
}
