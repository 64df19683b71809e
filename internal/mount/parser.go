// Package mount implements mount request parsing and execution: validating
// user/site bind-mount requests against a site policy, then performing them
// against a container rootfs with the right identity and flags.
package mount

import (
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

// Policy enumerates destination/source restrictions applied while parsing
// a mount request.
type Policy struct {
	DestinationDisallowedWithPrefix []string
	DestinationDisallowedExact      []string
	SourceDisallowedWithPrefix      []string
	SourceDisallowedExact           []string
}

// Mount is a validated bind mount request, not yet resolved against a
// rootfs.
type Mount struct {
	Source      string
	Destination string
	Flags       uintptr
	ReadOnly    bool
}

// sourceKeys / destinationKeys are the accepted
// spellings for the source/destination map keys.
var (
	sourceKeys      = []string{"source", "src"}
	destinationKeys = []string{"destination", "dst", "target"}
)

// ParseMount validates a mount request map against policy and returns a
// Mount.
func ParseMount(req map[string]string, policy Policy) (Mount, error) {
	if t, ok := req["type"]; !ok {
		return Mount{}, xerrors.New(xerrors.Mount, "mount request %v: 'type' must be specified", req)
	} else if t != "bind" {
		return Mount{}, xerrors.New(xerrors.Mount, "mount request %v: %q is not a valid mount type", req, t)
	}

	source, err := validatedKey(req, sourceKeys, "source")
	if err != nil {
		return Mount{}, err
	}
	destination, err := validatedKey(req, destinationKeys, "destination")
	if err != nil {
		return Mount{}, err
	}

	if !filepath.IsAbs(source) {
		return Mount{}, xerrors.New(xerrors.Mount, "mount request %v: source %q must be an absolute path", req, source)
	}
	if !filepath.IsAbs(destination) {
		return Mount{}, xerrors.New(xerrors.Mount, "mount request %v: destination %q must be an absolute path", req, destination)
	}

	if err := checkDisallowed("source", source, policy.SourceDisallowedWithPrefix, policy.SourceDisallowedExact); err != nil {
		return Mount{}, err
	}
	if err := checkDisallowed("destination", destination, policy.DestinationDisallowedWithPrefix, policy.DestinationDisallowedExact); err != nil {
		return Mount{}, err
	}

	flags := uintptr(unix.MS_REC | unix.MS_PRIVATE)
	readonly := false

	for k := range req {
		switch k {
		case "type":
		case "source", "src", "destination", "dst", "target":
		case "readonly":
			flags |= unix.MS_RDONLY
			readonly = true
		default:
			return Mount{}, xerrors.New(xerrors.Mount, "mount request %v: %q is not a valid bind mount option", req, k)
		}
	}

	return Mount{Source: source, Destination: destination, Flags: flags, ReadOnly: readonly}, nil
}

// validatedKey ensures exactly one of keys is present in req and returns
// its (non-empty) value.
func validatedKey(req map[string]string, keys []string, label string) (string, error) {
	present := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := req[k]; ok {
			present = append(present, k)
		}
	}
	switch len(present) {
	case 0:
		return "", xerrors.New(xerrors.Mount, "mount request %v: no %s specified, use one of %v", req, label, keys)
	case 1:
		v := req[present[0]]
		if strings.TrimSpace(v) == "" {
			return "", xerrors.New(xerrors.Mount, "mount request %v: %s is empty", req, label)
		}
		return v, nil
	default:
		sort.Strings(present)
		return "", xerrors.New(xerrors.Mount, "mount request %v: multiple formats used for %s: %v", req, label, present)
	}
}

func checkDisallowed(label, path string, disallowedPrefix, disallowedExact []string) error {
	for _, exact := range disallowedExact {
		if path == exact {
			return xerrors.New(xerrors.Mount, "%s %q is not allowed", label, path)
		}
	}
	for _, prefix := range disallowedPrefix {
		if strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") || path == prefix {
			return xerrors.New(xerrors.Mount, "%s %q has disallowed prefix %q", label, path, prefix)
		}
	}
	return nil
}
