// Package orchestrator composes the repository, mount, merger, hook, and
// config-generator components into the end-to-end `run` pipeline: resolve
// the image, assemble the OverlayFS rootfs, execute mounts, write
// config.json, and hand the bundle to the external OCI runtime, tearing
// everything down on any exit path.
package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/hpc-forge/sarus-engine/internal/configmerge"
	"github.com/hpc-forge/sarus-engine/internal/hooks"
	"github.com/hpc-forge/sarus-engine/internal/identity"
	"github.com/hpc-forge/sarus-engine/internal/imagelayout"
	"github.com/hpc-forge/sarus-engine/internal/mount"
	"github.com/hpc-forge/sarus-engine/internal/ociconfig"
	"github.com/hpc-forge/sarus-engine/internal/repository"
	"github.com/hpc-forge/sarus-engine/internal/sylog"
	"github.com/hpc-forge/sarus-engine/internal/xerrors"
	"github.com/hpc-forge/sarus-engine/pkg/imageref"
)

// Bundle is the scratch directory tree for one `run` invocation:
// bundle_dir/{rootfs, overlay/{upper,work,rootfs-lower}, config.json}.
type Bundle struct {
	Dir        string
	RootfsDir  string
	LowerDir   string
	UpperDir   string
	WorkDir    string
	ConfigPath string
}

// NewBundle creates a unique bundle directory tree under bundleRoot.
func NewBundle(bundleRoot string) (*Bundle, error) {
	dir := filepath.Join(bundleRoot, uuid.NewString())
	b := &Bundle{
		Dir:        dir,
		RootfsDir:  filepath.Join(dir, "rootfs"),
		LowerDir:   filepath.Join(dir, "overlay", "rootfs-lower"),
		UpperDir:   filepath.Join(dir, "overlay", "upper"),
		WorkDir:    filepath.Join(dir, "overlay", "work"),
		ConfigPath: filepath.Join(dir, "config.json"),
	}
	for _, d := range []string{b.RootfsDir, b.LowerDir, b.UpperDir, b.WorkDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.Config, err, "creating bundle directory %q", d)
		}
	}
	return b, nil
}

// Teardown unmounts rootfs and rootfs-lower in reverse order and removes
// the bundle directory, tolerating mounts that were never established.
func (b *Bundle) Teardown() {
	if err := mount.Unmount(b.RootfsDir); err != nil {
		sylog.Warningf("orchestrator: teardown: %v", err)
	}
	if err := mount.Unmount(b.LowerDir); err != nil {
		sylog.Warningf("orchestrator: teardown: %v", err)
	}
	if err := os.RemoveAll(b.Dir); err != nil {
		sylog.Warningf("orchestrator: failed to remove bundle directory %q: %v", b.Dir, err)
	}
}

// RunRequest carries everything the orchestrator needs to assemble one
// bundle and hand it to the external OCI runtime.
type RunRequest struct {
	Reference   imageref.Reference
	Identity    identity.Identity
	BundleRoot  string
	LockTimeout time.Duration
	SiteMounts  []map[string]string
	UserMounts  []map[string]string
	MountPolicy mount.Policy
	// AllowedDevices lists site-specific extra devices (beyond the rootfs,
	// /tmp, rootfs/dev, and lower-layer devices Prepare derives automatically
	// via allowedDestinationDevices) that mount destinations may resolve onto.
	AllowedDevices  []mount.AllowedDevice
	DeviceMounts    []DeviceMountRequest
	CLI             configmerge.CLIOptions
	EnvTransforms   []configmerge.EnvTransform
	HooksDir        string
	SecurityChecks  bool
	InitPath        string
	GroupFilePath   string
	SeccompProfile  string
	MountLabel      string
	PrivatePID      bool
	CPUAffinity     []int
	RuncPath        string
	Terminal        bool
	ApparmorProfile string
	SelinuxLabel    string
}

// DeviceMountRequest is one `--device=<src>[:<dst>[:<perms>]]` CLI entry
// prior to stat-based resolution.
type DeviceMountRequest struct {
	Source      string
	Destination string
	Access      string // rwm string, empty means all
}

// Orchestrator ties a repository to the bundle-assembly pipeline. Central,
// when non-nil, is consulted for images not present in the per-user store.
type Orchestrator struct {
	Repo    *repository.Repository
	Central *repository.Repository
}

// New returns an Orchestrator backed by repo.
func New(repo *repository.Repository) *Orchestrator {
	return &Orchestrator{Repo: repo}
}

// lookup resolves ref in the per-user repository, falling back to the
// centralized one when configured.
func (o *Orchestrator) lookup(timeout time.Duration, ref imageref.Reference) (repository.StoredImage, error) {
	image, err := o.Repo.Lookup(timeout, ref)
	if err != nil && o.Central != nil {
		if central, cerr := o.Central.Lookup(timeout, ref); cerr == nil {
			return central, nil
		}
	}
	return image, err
}

// Prepare resolves the image, mounts the rootfs, executes site/user/device
// mounts, merges configuration, filters hooks, and writes config.json. It
// returns the assembled Bundle and the merged argv. The caller is
// responsible for the final privilege drop and exec of the external
// runtime, and for calling Bundle.Teardown on every exit path.
func (o *Orchestrator) Prepare(req RunRequest, hostEnv map[string]string) (*Bundle, []string, error) {
	image, err := o.lookup(req.LockTimeout, req.Reference)
	if err != nil {
		return nil, nil, err
	}

	bundle, err := NewBundle(req.BundleRoot)
	if err != nil {
		return nil, nil, err
	}

	if err := mount.LoopMountSquashfs(image.SquashfsPath, bundle.LowerDir); err != nil {
		bundle.Teardown()
		return nil, nil, err
	}

	if err := mount.MountOverlayFS(bundle.LowerDir, bundle.UpperDir, bundle.WorkDir, bundle.RootfsDir); err != nil {
		bundle.Teardown()
		return nil, nil, err
	}

	allowedDevices, err := allowedDestinationDevices(bundle, req.AllowedDevices)
	if err != nil {
		bundle.Teardown()
		return nil, nil, err
	}
	executor := mount.NewExecutor(bundle.RootfsDir, req.Identity, allowedDevices)

	var allRequests []map[string]string
	allRequests = append(allRequests, req.SiteMounts...)
	allRequests = append(allRequests, req.UserMounts...)

	var mountDestinations []string
	for _, raw := range allRequests {
		m, err := mount.ParseMount(raw, req.MountPolicy)
		if err != nil {
			bundle.Teardown()
			return nil, nil, err
		}
		if err := executor.Mount(m); err != nil {
			bundle.Teardown()
			return nil, nil, err
		}
		mountDestinations = append(mountDestinations, m.Destination)
	}

	if req.CLI.Init && req.InitPath != "" {
		initMount := mount.Mount{
			Source:      req.InitPath,
			Destination: "/dev/init",
			Flags:       unix.MS_REC | unix.MS_PRIVATE | unix.MS_RDONLY,
			ReadOnly:    true,
		}
		if err := executor.Mount(initMount); err != nil {
			bundle.Teardown()
			return nil, nil, err
		}
	}

	deviceRules, err := o.executeDeviceMounts(executor, req.DeviceMounts, os.Getpid())
	if err != nil {
		bundle.Teardown()
		return nil, nil, err
	}

	imageMetadata, err := readCachedImageMetadata(image.MetadataPath)
	if err != nil {
		bundle.Teardown()
		return nil, nil, err
	}

	merger := &configmerge.Merger{
		HostEnv:       hostEnv,
		Image:         imageMetadata,
		EnvTransforms: req.EnvTransforms,
		CLI:           req.CLI,
	}

	argv, err := merger.Argv()
	if err != nil {
		bundle.Teardown()
		return nil, nil, err
	}
	env := merger.Env()
	annotations := merger.Annotations()

	// Hooks locate the requested bind mounts through this variable.
	if len(mountDestinations) > 0 {
		env["BIND_MOUNTS"] = strings.Join(mountDestinations, ":")
	}

	hasBindMounts := len(allRequests) > 0
	loadedHooks, err := hooks.Load(req.HooksDir, req.SecurityChecks)
	if err != nil {
		bundle.Teardown()
		return nil, nil, err
	}
	byStage := hooks.ActiveByStage(loadedHooks, hooks.RunContext{
		Annotations:   annotations,
		Argv0:         argv[0],
		HasBindMounts: hasBindMounts,
	})

	spec, err := ociconfig.Build(ociconfig.Options{
		RootfsPath: bundle.RootfsDir,
		Process: ociconfig.ProcessInput{
			Args:            argv,
			Env:             env,
			Cwd:             merger.Workdir(),
			Terminal:        req.Terminal,
			Identity:        req.Identity,
			ApparmorProfile: req.ApparmorProfile,
			SelinuxLabel:    req.SelinuxLabel,
		},
		DeviceRules:    deviceRules,
		PrivatePID:     req.PrivatePID,
		CPUAffinity:    req.CPUAffinity,
		SeccompProfile: req.SeccompProfile,
		MountLabel:     req.MountLabel,
		Hooks:          hooks.ToRuntimeHooks(byStage),
		Annotations:    annotations,
		GroupFilePath:  req.GroupFilePath,
	})
	if err != nil {
		bundle.Teardown()
		return nil, nil, err
	}

	if err := ociconfig.WriteFile(bundle.ConfigPath, spec); err != nil {
		bundle.Teardown()
		return nil, nil, err
	}

	return bundle, argv, nil
}

// allowedDestinationDevices computes the device set a mount destination is
// permitted to resolve onto: the rootfs device, the /tmp device, rootfs's
// own /dev, and the OverlayFS lower layer, plus any site-supplied extras
// (e.g. a custom scratch filesystem).
func allowedDestinationDevices(bundle *Bundle, extra []mount.AllowedDevice) ([]mount.AllowedDevice, error) {
	named := []struct {
		name string
		path string
	}{
		{"rootfs", bundle.RootfsDir},
		{"tmp", "/tmp"},
		{"rootfs-dev", filepath.Join(bundle.RootfsDir, "dev")},
		{"lower", bundle.LowerDir},
	}

	devices := make([]mount.AllowedDevice, 0, len(named)+len(extra))
	for _, n := range named {
		var st unix.Stat_t
		if err := unix.Stat(n.path, &st); err != nil {
			continue
		}
		devices = append(devices, mount.AllowedDevice{Name: n.name, Dev: st.Dev})
	}
	devices = append(devices, extra...)
	return devices, nil
}

// readCachedImageMetadata reads the repository's cached metadata record for
// an ingested image. It is parsed once from the OCI image config at
// ingestion time and serialized alongside the squashfs artifact, so `run`
// never needs the unpacked OCI layout again.
func readCachedImageMetadata(metadataPath string) (imagelayout.ImageMetadata, error) {
	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return imagelayout.ImageMetadata{}, xerrors.Wrap(xerrors.Repository, err, "reading cached image metadata %q", metadataPath)
	}
	var m imagelayout.ImageMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return imagelayout.ImageMetadata{}, xerrors.Wrap(xerrors.Repository, err, "parsing cached image metadata %q", metadataPath)
	}
	return m, nil
}

func (o *Orchestrator) executeDeviceMounts(executor *mount.Executor, reqs []DeviceMountRequest, containerPID int) ([]ociconfig.DeviceRule, error) {
	var rules []ociconfig.DeviceRule
	for _, d := range reqs {
		access, err := mount.ParseDeviceAccess(d.Access)
		if err != nil {
			return nil, err
		}
		flags := uintptr(unix.MS_REC | unix.MS_PRIVATE)
		if !access.Write {
			flags |= unix.MS_RDONLY
		}
		base := mount.Mount{
			Source:      d.Source,
			Destination: d.Destination,
			Flags:       flags,
			ReadOnly:    !access.Write,
		}
		dm, err := mount.NewDeviceMount(base, access)
		if err != nil {
			return nil, err
		}
		if err := executor.MountDevice(dm, containerPID); err != nil {
			return nil, err
		}
		rules = append(rules, ociconfig.DeviceRule{
			Type:   string(dm.Type),
			Major:  int64(dm.Major),
			Minor:  int64(dm.Minor),
			Access: dm.Access.String(),
		})
	}
	return rules, nil
}

// ExecExternalRuntime drops all privileges to id and execs the external OCI
// runtime against bundle. This call never returns on success; the calling
// process image is replaced.
func ExecExternalRuntime(runcPath, containerID string, bundle *Bundle, id identity.Identity) error {
	if err := identity.DropAllPrivilegesAndExecNoNew(id.UID, id.GID); err != nil {
		return err
	}
	argv := []string{runcPath, "run", "--bundle", bundle.Dir, containerID}
	env := os.Environ()
	if err := unix.Exec(runcPath, argv, env); err != nil {
		return xerrors.Wrap(xerrors.Subprocess, err, "exec %q", runcPath)
	}
	return nil
}
