// Package puller orchestrates an external skopeo-class tool to pull or load
// a remote/local image into an OCI image layout, preserving the tool's exit
// status and classifying registry auth failures for a friendlier message.
package puller

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/cenkalti/backoff/v4"

	"github.com/hpc-forge/sarus-engine/internal/sylog"
	"github.com/hpc-forge/sarus-engine/internal/xerrors"
	"github.com/hpc-forge/sarus-engine/pkg/imageref"
)

// Puller invokes an external skopeo-class binary to copy image references
// into an OCI layout directory.
type Puller struct {
	// ToolPath is the path of the external image-copy tool (e.g. skopeo).
	ToolPath string
	// Verbosity is passed as the tool's own verbosity flag, derived from
	// the engine's logger level.
	Verbosity string
	// Retries bounds the retry budget for network operations.
	Retries uint
}

// New returns a Puller with the default three-try retry budget.
func New(toolPath string, verbosity string) *Puller {
	return &Puller{ToolPath: toolPath, Verbosity: verbosity, Retries: 3}
}

// Pull copies ref from its remote registry into layoutDir as an OCI image
// layout tagged tag. Pulling by digest is not supported.
func (p *Puller) Pull(ctx context.Context, ref imageref.Reference, layoutDir, tag string) error {
	if ref.Digest != "" {
		return xerrors.New(xerrors.Reference, "pulling images by digest is not supported: %s", ref.String())
	}

	src := fmt.Sprintf("docker://%s", dockerRef(ref))
	dst := fmt.Sprintf("oci:%s:%s", layoutDir, tag)

	return p.withRetry(ctx, func(ctx context.Context) error {
		return p.run(ctx, "copy", "--remove-signatures", src, dst)
	})
}

// Load copies a local docker-archive tarball into layoutDir as an OCI
// image layout tagged tag.
func (p *Puller) Load(ctx context.Context, archivePath, layoutDir, tag string) error {
	src := fmt.Sprintf("docker-archive:%s", archivePath)
	dst := fmt.Sprintf("oci:%s:%s", layoutDir, tag)
	return p.run(ctx, "copy", src, dst)
}

// RemoteDigest obtains the registry-side digest for ref via `inspect
// docker://ref`, extracting only the ".Digest" field of the JSON response
// rather than unmarshaling the whole document.
func (p *Puller) RemoteDigest(ctx context.Context, ref imageref.Reference) (string, error) {
	src := fmt.Sprintf("docker://%s", dockerRef(ref))

	var out []byte
	err := p.withRetry(ctx, func(ctx context.Context) error {
		stdout, _, err := p.runCaptured(ctx, "inspect", src)
		out = stdout
		return err
	})
	if err != nil {
		return "", err
	}

	d, err := jsonparser.GetString(out, "Digest")
	if err != nil {
		return "", xerrors.Wrap(xerrors.Subprocess, err, "parsing digest from inspect output")
	}
	return d, nil
}

func dockerRef(ref imageref.Reference) string {
	tagOrDigest := ref.Tag
	sep := ":"
	if tagOrDigest == "" {
		tagOrDigest = ref.Digest
		sep = "@"
	}
	return fmt.Sprintf("%s/%s/%s%s%s", ref.Server, ref.Namespace, ref.Image, sep, tagOrDigest)
}

// withRetry applies the retry budget with exponential backoff for network
// operations. Auth failures are permanent: retrying without new
// credentials cannot succeed.
func (p *Puller) withRetry(ctx context.Context, op func(context.Context) error) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.Retries-1))
	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if xerrors.KindOf(err) == xerrors.Auth {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func (p *Puller) run(ctx context.Context, args ...string) error {
	_, _, err := p.runCaptured(ctx, args...)
	return err
}

// runCaptured runs the external tool with the fixed args, preserving its
// non-zero exit code verbatim and classifying unauthorized/denied stderr
// into an AuthError with a login hint.
func (p *Puller) runCaptured(ctx context.Context, args ...string) (stdout, stderr []byte, err error) {
	fullArgs := append([]string{"--log=error"}, args...)
	if p.Verbosity != "" {
		fullArgs = append([]string{p.Verbosity}, fullArgs...)
	}

	sylog.Debugf("puller: executing %s %s", p.ToolPath, strings.Join(fullArgs, " "))

	cmd := exec.CommandContext(ctx, p.ToolPath, fullArgs...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	start := time.Now()
	runErr := cmd.Run()
	sylog.Infof("puller: %s finished in %s", p.ToolPath, time.Since(start).Round(time.Millisecond))

	if runErr == nil {
		return outBuf.Bytes(), errBuf.Bytes(), nil
	}

	errText := errBuf.String()
	if strings.Contains(errText, "unauthorized") || strings.Contains(errText, "denied") {
		return outBuf.Bytes(), errBuf.Bytes(), xerrors.Wrap(xerrors.Auth, runErr,
			"%s: authentication required, try logging in with --login", errText)
	}

	return outBuf.Bytes(), errBuf.Bytes(), xerrors.Wrap(xerrors.Subprocess, runErr, "%s failed: %s", p.ToolPath, errText)
}
