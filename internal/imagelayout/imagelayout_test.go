package imagelayout

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildLayout writes a minimal, valid OCI image layout directory with one
// manifest, one config blob (with the given ImageConfig), and the given
// layer digests (written as one-byte placeholder blobs; LayerBlobPaths only
// needs their names to exist as paths, not their content, for the tests
// that exercise path composition).
func buildLayout(t *testing.T, dir string, cfg v1.ImageConfig, layerDigests []digest.Digest) {
	t.Helper()

	configBlob, err := json.Marshal(v1.Image{Config: cfg})
	require.NoError(t, err)
	configDigest := digest.FromBytes(configBlob)
	writeBlob(t, dir, configDigest, configBlob)

	var layers []v1.Descriptor
	for _, d := range layerDigests {
		layers = append(layers, v1.Descriptor{MediaType: v1.MediaTypeImageLayerGzip, Digest: d, Size: 1})
		writeBlob(t, dir, d, []byte("x"))
	}

	manifest := v1.Manifest{
		MediaType: v1.MediaTypeImageManifest,
		Config:    v1.Descriptor{MediaType: v1.MediaTypeImageConfig, Digest: configDigest, Size: int64(len(configBlob))},
		Layers:    layers,
	}
	manifestBlob, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestDigest := digest.FromBytes(manifestBlob)
	writeBlob(t, dir, manifestDigest, manifestBlob)

	index := v1.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		Manifests: []v1.Descriptor{
			{MediaType: v1.MediaTypeImageManifest, Digest: manifestDigest, Size: int64(len(manifestBlob))},
		},
	}
	indexBlob, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), indexBlob, 0o644))
}

func writeBlob(t *testing.T, dir string, d digest.Digest, data []byte) {
	t.Helper()
	blobDir := filepath.Join(dir, "blobs", d.Algorithm().String())
	require.NoError(t, os.MkdirAll(blobDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blobDir, d.Encoded()), data, 0o644))
}

func TestRead_ParsesMetadata(t *testing.T) {
	dir := t.TempDir()
	buildLayout(t, dir, v1.ImageConfig{
		Cmd:        []string{"/bin/sh"},
		Entrypoint: []string{"/entry"},
		WorkingDir: "/app",
		Env:        []string{"FOO=bar", "BAZ=qux"},
		Labels:     map[string]string{"org.label": "v"},
	}, nil)

	img, err := Read(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"/bin/sh"}, img.Metadata.Cmd)
	assert.Equal(t, []string{"/entry"}, img.Metadata.Entrypoint)
	assert.Equal(t, "/app", img.Metadata.WorkingDir)
	assert.Equal(t, "bar", img.Metadata.Env["FOO"])
	assert.Equal(t, "qux", img.Metadata.Env["BAZ"])
	assert.Equal(t, "v", img.Metadata.Labels["org.label"])
	assert.NotEmpty(t, img.ID)
}

func TestRead_MissingIndexFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Read(dir)
	require.Error(t, err)
}

func TestRead_UnsupportedSchemaVersionFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), []byte(`{"schemaVersion":1,"manifests":[]}`), 0o644))
	_, err := Read(dir)
	require.Error(t, err)
}

func TestRead_NoManifestsFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), []byte(`{"schemaVersion":2,"manifests":[]}`), 0o644))
	_, err := Read(dir)
	require.Error(t, err)
}

func TestLayerBlobPaths(t *testing.T) {
	dir := t.TempDir()
	d1 := digest.FromBytes([]byte("layer-one"))
	d2 := digest.FromBytes([]byte("layer-two"))
	buildLayout(t, dir, v1.ImageConfig{}, []digest.Digest{d1, d2})

	paths, err := LayerBlobPaths(dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "blobs", "sha256", d1.Encoded()), paths[0])
	assert.Equal(t, filepath.Join(dir, "blobs", "sha256", d2.Encoded()), paths[1])
}
