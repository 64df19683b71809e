// Package imageref implements the image reference value type and its
// grammar: [<domain>/]<name>[:<tag>][@<digest>], with the tag defaulting
// to "latest" when neither tag nor digest is present. The repository and
// run pipeline key off this type.
package imageref

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

const (
	DefaultServer    = "docker.io"
	DefaultNamespace = "library"
	DefaultTag       = "latest"
)

const (
	alphaNumeric   = `[a-z0-9]+`
	separator      = `(?:[._]|__|[-]*)`
	nameComponent  = alphaNumeric + `(?:(?:` + separator + alphaNumeric + `)+)?`
	domainComp     = `(?:[a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9])`
	domainPattern  = domainComp + `(?:(?:\.` + domainComp + `)+)?(?:\:[0-9]+)?`
	namePattern    = `(?:(?:` + domainPattern + `)\/)?` + nameComponent + `(?:(?:\/` + nameComponent + `)+)?`
	tagPattern     = `[\w][\w.-]{0,127}`
	digestPattern  = `[A-Za-z][A-Za-z0-9]*(?:[-_+.][A-Za-z][A-Za-z0-9]*)*[:][0-9A-Fa-f]{32,}`
)

var referenceRegexp = regexp.MustCompile(
	`^(` + namePattern + `)` + `(?:\:(` + tagPattern + `))?` + `(?:\@(` + digestPattern + `))?$`,
)

// Reference is the opaque key the repository uses to identify a stored
// image: (server, namespace, image, tag, digest).
type Reference struct {
	Server    string
	Namespace string
	Image     string
	Tag       string
	Digest    string
}

// Parse parses raw into a Reference. It rejects any reference containing
// ".." (path-traversal defense) before attempting the full grammar match.
func Parse(raw string) (Reference, error) {
	if strings.Contains(raw, "..") {
		return Reference{}, xerrors.New(xerrors.Reference, "image reference %q must not contain \"..\"", raw)
	}

	m := referenceRegexp.FindStringSubmatch(raw)
	if m == nil {
		return Reference{}, xerrors.New(xerrors.Reference, "invalid image reference: %q", raw)
	}

	name, tag, digest := m[1], m[2], m[3]
	if tag == "" && digest == "" {
		tag = DefaultTag
	}

	server, namespace, image := splitName(name)

	return Reference{
		Server:    server,
		Namespace: namespace,
		Image:     image,
		Tag:       tag,
		Digest:    digest,
	}, nil
}

// splitName splits the name capture group into server/namespace/image. A
// component is treated as a domain only if it contains a '.' or ':', or is
// exactly "localhost", matching Docker's reference grammar convention.
func splitName(name string) (server, namespace, image string) {
	parts := strings.Split(name, "/")

	server, namespace = DefaultServer, DefaultNamespace
	looksLikeDomain := len(parts) > 1 && (strings.ContainsAny(parts[0], ".:") || parts[0] == "localhost")

	if looksLikeDomain {
		server = parts[0]
		parts = parts[1:]
	}

	if len(parts) == 0 {
		return server, namespace, ""
	}

	image = parts[len(parts)-1]
	if len(parts) > 1 {
		namespace = strings.Join(parts[:len(parts)-1], "/")
	} else if !looksLikeDomain {
		namespace = DefaultNamespace
	} else {
		namespace = ""
	}

	return server, namespace, image
}

// String renders the Reference back to its canonical textual form. Used
// for display; the repository matches entries by Key instead.
func (r Reference) String() string {
	var b strings.Builder
	if r.Server != "" && r.Server != DefaultServer {
		b.WriteString(r.Server)
		b.WriteByte('/')
	}
	if r.Namespace != "" && r.Namespace != DefaultNamespace {
		b.WriteString(r.Namespace)
		b.WriteByte('/')
	}
	b.WriteString(r.Image)
	if r.Tag != "" {
		fmt.Fprintf(&b, ":%s", r.Tag)
	}
	if r.Digest != "" {
		fmt.Fprintf(&b, "@%s", r.Digest)
	}
	return b.String()
}

// Key returns the path-safe key used to locate the image within a
// repository: <server>/<namespace>/<image>/<tag-or-digest>.
func (r Reference) Key() string {
	tagOrDigest := r.Tag
	if tagOrDigest == "" {
		tagOrDigest = r.Digest
	}
	return fmt.Sprintf("%s/%s/%s/%s", r.Server, r.Namespace, r.Image, tagOrDigest)
}
