// Package imagelayout reads an OCI image layout directory (index.json ->
// manifest -> config blob) and extracts the image metadata the engine
// cares about; the config-blob digest doubles as the image ID.
package imagelayout

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

// ImageMetadata is the subset of OCI image config consumed by the engine.
// Cmd/Entrypoint are nil and WorkingDir is "" when absent in the source image; an
// *empty* argv is treated as absent by the argv-selection algorithm in
// internal/configmerge, not here.
type ImageMetadata struct {
	Cmd        []string
	Entrypoint []string
	WorkingDir string
	Env        map[string]string
	Labels     map[string]string
}

// Image is the parsed result of reading an OCI image layout: its metadata
// plus the config-blob digest used as the image ID.
type Image struct {
	ID       string
	Metadata ImageMetadata
}

// Read parses the OCI image layout rooted at dir.
func Read(dir string) (Image, error) {
	index, err := readIndex(dir)
	if err != nil {
		return Image{}, err
	}
	if len(index.Manifests) == 0 {
		return Image{}, xerrors.New(xerrors.Config, "OCI image layout %q has no manifests", dir)
	}

	manifest, err := readManifest(dir, index.Manifests[0].Digest)
	if err != nil {
		return Image{}, err
	}

	configBlob, configDigest, err := readConfigBlob(dir, manifest.Config.Digest)
	if err != nil {
		return Image{}, err
	}

	var image v1.Image
	if err := json.Unmarshal(configBlob, &image); err != nil {
		return Image{}, xerrors.Wrap(xerrors.Config, err, "parsing image config blob")
	}

	return Image{
		ID: configDigest.Encoded(),
		Metadata: ImageMetadata{
			Cmd:        image.Config.Cmd,
			Entrypoint: image.Config.Entrypoint,
			WorkingDir: image.Config.WorkingDir,
			Env:        splitEnv(image.Config.Env),
			Labels:     image.Config.Labels,
		},
	}, nil
}

// LayerBlobPaths returns the absolute blob paths of dir's first manifest's
// layers, in manifest order (parent -> child), for callers that expand
// layers natively via internal/layer instead of delegating to an external
// unpack tool.
func LayerBlobPaths(dir string) ([]string, error) {
	index, err := readIndex(dir)
	if err != nil {
		return nil, err
	}
	if len(index.Manifests) == 0 {
		return nil, xerrors.New(xerrors.Config, "OCI image layout %q has no manifests", dir)
	}
	manifest, err := readManifest(dir, index.Manifests[0].Digest)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(manifest.Layers))
	for _, l := range manifest.Layers {
		paths = append(paths, filepath.Join(dir, "blobs", l.Digest.Algorithm().String(), l.Digest.Encoded()))
	}
	return paths, nil
}

func readIndex(dir string) (v1.Index, error) {
	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		return v1.Index{}, xerrors.Wrap(xerrors.Config, err, "reading index.json")
	}

	var index v1.Index
	if err := json.Unmarshal(data, &index); err != nil {
		return v1.Index{}, xerrors.Wrap(xerrors.Config, err, "parsing index.json")
	}
	if index.SchemaVersion != 2 {
		return v1.Index{}, xerrors.New(xerrors.Config, "unsupported index.json schemaVersion %d, want 2", index.SchemaVersion)
	}
	return index, nil
}

func readManifest(dir string, d digest.Digest) (v1.Manifest, error) {
	data, err := readBlob(dir, d)
	if err != nil {
		return v1.Manifest{}, err
	}
	var manifest v1.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return v1.Manifest{}, xerrors.Wrap(xerrors.Config, err, "parsing manifest blob %s", d)
	}
	return manifest, nil
}

func readConfigBlob(dir string, d digest.Digest) ([]byte, digest.Digest, error) {
	data, err := readBlob(dir, d)
	if err != nil {
		return nil, "", err
	}
	if err := d.Validate(); err != nil {
		return nil, "", xerrors.Wrap(xerrors.Config, err, "invalid config blob digest %s", d)
	}
	if computed := digest.FromBytes(data); computed != d {
		return nil, "", xerrors.New(xerrors.Config, "config blob %s does not match its digest (got %s)", d, computed)
	}
	return data, d, nil
}

func readBlob(dir string, d digest.Digest) ([]byte, error) {
	path := filepath.Join(dir, "blobs", d.Algorithm().String(), d.Encoded())
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Config, err, "reading blob %s", d)
	}
	return data, nil
}

// splitEnv turns the OCI "K=V" env list into a map, the representation the
// rest of the engine works with.
func splitEnv(env []string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m[k] = v
	}
	return m
}
