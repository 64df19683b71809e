// Package ociconfig builds the OCI runtime bundle's config.json: process,
// user, root, the fixed mount set, linux resources/namespaces, hooks, and
// annotations.
package ociconfig

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	runtimespec "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/hpc-forge/sarus-engine/internal/identity"
	"github.com/hpc-forge/sarus-engine/internal/sylog"
	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

const ociVersion = "1.0.0"

// ProcessInput carries the merged process configuration produced by
// internal/configmerge.
type ProcessInput struct {
	Args            []string
	Env             map[string]string
	Cwd             string
	Terminal        bool
	Identity        identity.Identity
	ApparmorProfile string
	SelinuxLabel    string
}

// DeviceRule is one linux.resources.devices allow entry.
type DeviceRule struct {
	Type   string
	Major  int64
	Minor  int64
	Access string
}

// Options carries the remaining inputs needed to assemble the full spec.
type Options struct {
	RootfsPath     string
	Process        ProcessInput
	DeviceRules    []DeviceRule
	PrivatePID     bool
	CPUAffinity    []int
	SeccompProfile string // path to a JSON file, read verbatim
	MountLabel     string
	Hooks          *runtimespec.Hooks // built via internal/hooks.ToRuntimeHooks
	Annotations    map[string]string
	GroupFilePath  string // engine-shipped /etc/group, for tty gid lookup
}

// Build assembles the OCI runtime spec for one bundle.
func Build(opts Options) (*runtimespec.Spec, error) {
	uid := opts.Process.Identity.UID
	gid := opts.Process.Identity.GID
	additionalGids := make([]uint32, len(opts.Process.Identity.SupplementaryGIDs))
	copy(additionalGids, opts.Process.Identity.SupplementaryGIDs)

	process := &runtimespec.Process{
		Terminal: opts.Process.Terminal,
		User: runtimespec.User{
			UID:            uid,
			GID:            gid,
			AdditionalGids: additionalGids,
		},
		Args:             opts.Process.Args,
		Env:              flattenEnv(opts.Process.Env),
		Cwd:              opts.Process.Cwd,
		Capabilities:     &runtimespec.LinuxCapabilities{},
		NoNewPrivileges:  true,
		ApparmorProfile:  opts.Process.ApparmorProfile,
		SelinuxLabel:     opts.Process.SelinuxLabel,
	}

	if opts.Process.ApparmorProfile != "" {
		loaded, err := apparmorProfileLoaded(opts.Process.ApparmorProfile)
		if err != nil {
			return nil, err
		}
		if !loaded {
			return nil, xerrors.New(xerrors.Config, "apparmor profile %q is not loaded", opts.Process.ApparmorProfile)
		}
	}

	ttyGid, err := lookupTTYGid(opts.GroupFilePath)
	if err != nil {
		sylog.Warningf("no tty group entry found, omitting gid= option on /dev/pts mount: %v", err)
		ttyGid = -1
	}

	spec := &runtimespec.Spec{
		Version: ociVersion,
		Process: process,
		Root: &runtimespec.Root{
			Path:     "rootfs",
			Readonly: false,
		},
		Mounts:      standardMounts(ttyGid),
		Hooks:       opts.Hooks,
		Annotations: opts.Annotations,
		Linux:       buildLinux(opts),
	}

	return spec, nil
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func standardMounts(ttyGid int) []runtimespec.Mount {
	ptsOptions := []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}
	if ttyGid >= 0 {
		ptsOptions = append(ptsOptions, fmt.Sprintf("gid=%d", ttyGid))
	}

	return []runtimespec.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: ptsOptions},
		{Destination: "/dev/shm", Type: "bind", Source: "/dev/shm", Options: []string{"nosuid", "noexec", "nodev", "rbind", "slave", "rw"}},
		{Destination: "/dev/mqueue", Type: "mqueue", Source: "mqueue"},
		{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"ro", "nosuid", "noexec", "nodev"}},
		{Destination: "/sys/fs/cgroup", Type: "cgroup", Source: "cgroup", Options: []string{"ro", "nosuid", "noexec", "nodev"}},
	}
}

// maskedPaths and readonlyPaths are the conservative defaults shipped by
// OCI-compliant runtimes.
var maskedPaths = []string{
	"/proc/asound",
	"/proc/acpi",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/sys/firmware",
	"/proc/scsi",
}

var readonlyPaths = []string{
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

func buildLinux(opts Options) *runtimespec.Linux {
	namespaces := []runtimespec.LinuxNamespace{{Type: runtimespec.MountNamespace}}
	if opts.PrivatePID {
		namespaces = append(namespaces, runtimespec.LinuxNamespace{Type: runtimespec.PIDNamespace})
	}

	deviceEntries := make([]runtimespec.LinuxDeviceCgroup, 0, len(opts.DeviceRules)+1)
	allowFalse := false
	deviceEntries = append(deviceEntries, runtimespec.LinuxDeviceCgroup{
		Allow:  allowFalse,
		Access: "rwm",
	})
	for _, r := range opts.DeviceRules {
		rule := r
		deviceEntries = append(deviceEntries, runtimespec.LinuxDeviceCgroup{
			Allow:  true,
			Type:   rule.Type,
			Major:  int64Ptr(rule.Major),
			Minor:  int64Ptr(rule.Minor),
			Access: rule.Access,
		})
	}

	l := &runtimespec.Linux{
		Namespaces:         namespaces,
		RootfsPropagation:  "slave",
		MaskedPaths:        append([]string(nil), maskedPaths...),
		ReadonlyPaths:      append([]string(nil), readonlyPaths...),
		MountLabel:         opts.MountLabel,
		Resources: &runtimespec.LinuxResources{
			Devices: deviceEntries,
		},
	}

	if len(opts.CPUAffinity) > 0 {
		l.Resources.CPU = &runtimespec.LinuxCPU{Cpus: joinInts(opts.CPUAffinity)}
	}

	if opts.SeccompProfile != "" {
		seccomp, err := loadSeccompProfile(opts.SeccompProfile)
		if err != nil {
			sylog.Warningf("failed to load seccomp profile %q: %v", opts.SeccompProfile, err)
		} else {
			l.Seccomp = seccomp
		}
	}

	return l
}

func int64Ptr(v int64) *int64 { return &v }

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}

func loadSeccompProfile(path string) (*runtimespec.LinuxSeccomp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Config, err, "reading seccomp profile %q", path)
	}
	var profile runtimespec.LinuxSeccomp
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, xerrors.Wrap(xerrors.Config, err, "parsing seccomp profile %q", path)
	}
	return &profile, nil
}

// apparmorProfileLoaded checks /sys/kernel/security/apparmor/profiles for
// an entry matching name.
func apparmorProfileLoaded(name string) (bool, error) {
	f, err := os.Open("/sys/kernel/security/apparmor/profiles")
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.Config, err, "reading apparmor profiles list")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && fields[0] == name {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// lookupTTYGid finds the gid of the "tty" group entry in an
// /etc/group-style file, normally the engine's shipped copy.
func lookupTTYGid(groupFilePath string) (int, error) {
	if groupFilePath == "" {
		return -1, xerrors.New(xerrors.Config, "no group file configured")
	}
	f, err := os.Open(groupFilePath)
	if err != nil {
		return -1, xerrors.Wrap(xerrors.Config, err, "opening group file %q", groupFilePath)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) >= 3 && fields[0] == "tty" {
			var gid int
			if _, err := fmt.Sscanf(fields[2], "%d", &gid); err != nil {
				return -1, xerrors.Wrap(xerrors.Config, err, "parsing gid in group file %q", groupFilePath)
			}
			return gid, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return -1, xerrors.Wrap(xerrors.Config, err, "scanning group file %q", groupFilePath)
	}
	return -1, xerrors.New(xerrors.Config, "no tty entry in group file %q", groupFilePath)
}

// WriteFile marshals spec and writes it to path with owner-only
// permissions.
func WriteFile(path string, spec *runtimespec.Spec) error {
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.Config, err, "marshaling OCI config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return xerrors.Wrap(xerrors.Config, err, "writing OCI config to %q", path)
	}
	return nil
}
