package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpc-forge/sarus-engine/internal/puller"
	"github.com/hpc-forge/sarus-engine/internal/repository"
	"github.com/hpc-forge/sarus-engine/internal/squashfs"
	"github.com/hpc-forge/sarus-engine/pkg/imageref"
)

// fakeSkopeoScript stands in for skopeo: "copy" writes a minimal, digest-
// consistent OCI image layout at its destination directory; "inspect" prints
// a fixed registry digest. Both subcommands are enough to drive
// Ingester.Ingest end-to-end without a real registry or skopeo binary.
const fakeSkopeoScript = `#!/bin/sh
case "$2" in
  copy)
    eval dst=\${$#}
    ocidst=${dst#oci:}
    dir=${ocidst%:*}
    mkdir -p "$dir/blobs/sha256"
    configjson='{"config":{"Cmd":["/bin/sh"],"WorkingDir":"/","Env":["PATH=/usr/bin"]}}'
    configdigest=$(printf '%s' "$configjson" | sha256sum | cut -d' ' -f1)
    printf '%s' "$configjson" > "$dir/blobs/sha256/$configdigest"
    configsize=$(printf '%s' "$configjson" | wc -c)
    manifestjson='{"schemaVersion":2,"config":{"mediaType":"application/vnd.oci.image.config.v1+json","digest":"sha256:'"$configdigest"'","size":'"$configsize"'},"layers":[]}'
    manifestdigest=$(printf '%s' "$manifestjson" | sha256sum | cut -d' ' -f1)
    printf '%s' "$manifestjson" > "$dir/blobs/sha256/$manifestdigest"
    manifestsize=$(printf '%s' "$manifestjson" | wc -c)
    indexjson='{"schemaVersion":2,"manifests":[{"mediaType":"application/vnd.oci.image.manifest.v1+json","digest":"sha256:'"$manifestdigest"'","size":'"$manifestsize"'}]}'
    printf '%s' "$indexjson" > "$dir/index.json"
    exit 0
    ;;
  inspect)
    echo '{"Digest":"sha256:deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"}'
    exit 0
    ;;
esac
exit 1
`

const fakeMksquashfsScript = `#!/bin/sh
dest="$2"
echo "squashed" > "$dest"
exit 0
`

func writeFakeIngestTool(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestIngester_Ingest_PullPath(t *testing.T) {
	if _, err := exec.LookPath("sha256sum"); err != nil {
		t.Skip("sha256sum not available to drive the fake registry tool")
	}

	dir := t.TempDir()
	skopeo := writeFakeIngestTool(t, dir, "fake-skopeo", fakeSkopeoScript)
	mksquashfs := writeFakeIngestTool(t, dir, "fake-mksquashfs", fakeMksquashfsScript)

	repoDir := filepath.Join(dir, "repo")
	repo := repository.NewLocal(repoDir, "alice", ".sarus")

	ig := &Ingester{
		Repo:        repo,
		Puller:      puller.New(skopeo, ""),
		Squash:      squashfs.New(mksquashfs, ""),
		LockTimeout: 0,
	}
	ig.Puller.Retries = 1

	ref, err := imageref.Parse("alpine:3.18")
	require.NoError(t, err)

	stored, err := ig.Ingest(context.Background(), ref, IngestSource{Pull: true})
	require.NoError(t, err)

	assert.Equal(t, "sha256:deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef", stored.Digest)
	assert.NotZero(t, stored.Size)

	content, err := os.ReadFile(stored.SquashfsPath)
	require.NoError(t, err)
	assert.Equal(t, "squashed\n", string(content))

	metaContent, err := os.ReadFile(stored.MetadataPath)
	require.NoError(t, err)
	assert.Contains(t, string(metaContent), "/bin/sh")

	list, err := repo.List(0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ref, list[0].Reference)
}

func TestIngester_Ingest_RejectsDigestPull(t *testing.T) {
	dir := t.TempDir()
	repo := repository.NewLocal(filepath.Join(dir, "repo"), "alice", ".sarus")

	ig := &Ingester{
		Repo:   repo,
		Puller: puller.New("/bin/true", ""),
		Squash: squashfs.New("/bin/true", ""),
	}

	ref, err := imageref.Parse("alpine@sha256:d4ff818577bc193b309b355b02ebc9220427090057b54a59e73b79bdfe139b83")
	require.NoError(t, err)

	_, err = ig.Ingest(context.Background(), ref, IngestSource{Pull: true})
	require.Error(t, err)
}
