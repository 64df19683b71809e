package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/hpc-forge/sarus-engine/internal/configmerge"
	"github.com/hpc-forge/sarus-engine/internal/engineconfig"
	"github.com/hpc-forge/sarus-engine/internal/identity"
	"github.com/hpc-forge/sarus-engine/internal/mount"
	"github.com/hpc-forge/sarus-engine/internal/orchestrator"
	"github.com/hpc-forge/sarus-engine/pkg/imageref"
)

// lockTimeout bounds how long `run` waits on the repository's shared lock
// before failing with a RepositoryError.
const lockTimeout = 30 * time.Second

// defaultMountPolicy rejects destinations that would shadow host-managed
// trees: /etc, /var and /opt/sarus as prefixes, /opt itself exactly.
var defaultMountPolicy = mount.Policy{
	DestinationDisallowedWithPrefix: []string{"/etc", "/var", "/opt/sarus"},
	DestinationDisallowedExact:      []string{"/opt"},
}

func newRunCmd() *cobra.Command {
	var (
		mounts      []string
		devices     []string
		entrypoint  string
		workdir     string
		envPairs    []string
		mpi         string
		mpiSet      bool
		glibc       bool
		ssh         bool
		initProc    bool
		tty         bool
		pid         string
		annotations []string
	)

	cmd := &cobra.Command{
		Use:   "run <image> [-- command...]",
		Short: "run a command inside a container assembled from a local image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mpiSet = cmd.Flags().Changed("mpi")
			return runRun(runRunOptions{
				rawRef:      args[0],
				command:     args[1:],
				mounts:      mounts,
				devices:     devices,
				entrypoint:  entrypoint,
				workdir:     workdir,
				envPairs:    envPairs,
				mpi:         mpi,
				mpiSet:      mpiSet,
				glibc:       glibc,
				ssh:         ssh,
				initProc:    initProc,
				tty:         tty,
				pid:         pid,
				annotations: annotations,
			})
		},
	}

	cmd.Flags().StringArrayVar(&mounts, "mount", nil, "custom bind mount (repeatable)")
	cmd.Flags().StringArrayVar(&devices, "device", nil, "device bind mount <src>[:<dst>[:<perms>]] (repeatable)")
	cmd.Flags().StringVar(&entrypoint, "entrypoint", "", "override the container entrypoint")
	cmd.Flags().StringVar(&workdir, "workdir", "", "override the container working directory")
	cmd.Flags().StringArrayVar(&envPairs, "env", nil, "set a container environment variable K=V (repeatable)")
	cmd.Flags().StringVar(&mpi, "mpi", "", "enable the MPI hook, optionally naming its type")
	cmd.Flags().Lookup("mpi").NoOptDefVal = "default"
	cmd.Flags().BoolVar(&glibc, "glibc", false, "enable the glibc hook")
	cmd.Flags().BoolVar(&ssh, "ssh", false, "enable the SSH hook")
	cmd.Flags().BoolVar(&initProc, "init", false, "run an init process as PID 1")
	cmd.Flags().BoolVar(&tty, "tty", false, "allocate a pseudo-terminal")
	cmd.Flags().StringVar(&pid, "pid", "", "PID namespace mode (\"private\" for a dedicated namespace)")
	cmd.Flags().StringArrayVar(&annotations, "annotation", nil, "set a bundle annotation K=V (repeatable)")

	return cmd
}

type runRunOptions struct {
	rawRef      string
	command     []string
	mounts      []string
	devices     []string
	entrypoint  string
	workdir     string
	envPairs    []string
	mpi         string
	mpiSet      bool
	glibc       bool
	ssh         bool
	initProc    bool
	tty         bool
	pid         string
	annotations []string
}

func runRun(opts runRunOptions) error {
	cfg, err := engineconfig.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.CheckToolsUntamperable(); err != nil {
		return err
	}

	ref, err := imageref.Parse(opts.rawRef)
	if err != nil {
		return err
	}

	id, err := currentIdentity()
	if err != nil {
		return err
	}

	userMounts := parseMountFlags(opts.mounts)
	deviceRequests, err := parseDeviceFlags(opts.devices)
	if err != nil {
		return err
	}
	envMap, err := parseKeyValuePairs(opts.envPairs)
	if err != nil {
		return err
	}
	annotationMap, err := parseKeyValuePairs(opts.annotations)
	if err != nil {
		return err
	}

	var entrypointArgv []string
	if opts.entrypoint != "" {
		entrypointArgv = strings.Fields(opts.entrypoint)
	}

	repo := currentUserRepository(cfg)
	orch := orchestrator.New(repo)
	orch.Central = centralizedRepository(cfg)

	req := orchestrator.RunRequest{
		Reference:      ref,
		Identity:       id,
		BundleRoot:     cfg.OCIBundleDir,
		LockTimeout:    lockTimeout,
		SiteMounts:     cfg.SiteMounts,
		UserMounts:     userMounts,
		MountPolicy:    defaultMountPolicy,
		AllowedDevices: nil,
		DeviceMounts:   deviceRequests,
		CLI: configmerge.CLIOptions{
			Workdir:         opts.workdir,
			Entrypoint:      entrypointArgv,
			Command:         opts.command,
			Env:             envMap,
			Init:            opts.initProc,
			EnablePMIxv3:    cfg.EnablePMIxv3Support,
			MPI:             opts.mpiSet,
			MPIType:         opts.mpi,
			Glibc:           opts.glibc,
			SSH:             opts.ssh,
			SlurmGlobalSync: false,
			LoggerLevel:     currentLoggerLevel(),
			Annotations:     annotationMap,
		},
		EnvTransforms:   cfg.Environment.Transforms(),
		HooksDir:        cfg.HooksDir,
		SecurityChecks:  cfg.SecurityChecks,
		InitPath:        cfg.InitPath,
		GroupFilePath:   cfg.PrefixDir + "/etc/group",
		SeccompProfile:  cfg.SeccompProfile,
		MountLabel:      cfg.SelinuxMountLabel,
		PrivatePID:      opts.pid == "private",
		CPUAffinity:     currentCPUAffinity(),
		RuncPath:        cfg.RuncPath,
		Terminal:        opts.tty,
		ApparmorProfile: cfg.ApparmorProfile,
		SelinuxLabel:    cfg.SelinuxLabel,
	}

	bundle, _, err := orch.Prepare(req, envSlice())
	if err != nil {
		return err
	}
	defer bundle.Teardown()

	containerID := bundleContainerID(bundle.Dir)
	return orchestrator.ExecExternalRuntime(cfg.RuncPath, containerID, bundle, id)
}

// currentIdentity reads the invoking process's real uid, gid, and
// supplementary group list, once, before any privilege switching happens.
func currentIdentity() (identity.Identity, error) {
	groups, err := unix.Getgroups()
	if err != nil {
		return identity.Identity{}, fmt.Errorf("reading supplementary groups: %w", err)
	}
	supplementary := make([]uint32, len(groups))
	for i, g := range groups {
		supplementary[i] = uint32(g)
	}
	return identity.Identity{
		UID:               uint32(unix.Getuid()),
		GID:               uint32(unix.Getgid()),
		SupplementaryGIDs: supplementary,
	}, nil
}

// parseMountFlags parses repeated --mount=<key=value,...> strings into the
// map form mount.ParseMount expects.
func parseMountFlags(flags []string) []map[string]string {
	var out []map[string]string
	for _, f := range flags {
		out = append(out, parseCommaMap(f))
	}
	return out
}

// parseCommaMap splits a comma-separated "k=v,k2=v2,flag" string into a
// map; a bare key (no "=") is recorded with an empty value, which is how
// `readonly` is usually passed.
func parseCommaMap(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		if k, v, found := strings.Cut(part, "="); found {
			out[k] = v
		} else {
			out[part] = ""
		}
	}
	return out
}

// parseDeviceFlags parses repeated --device=<src>[:<dst>[:<perms>]] flags.
func parseDeviceFlags(flags []string) ([]orchestrator.DeviceMountRequest, error) {
	var out []orchestrator.DeviceMountRequest
	for _, f := range flags {
		parts := strings.Split(f, ":")
		if len(parts) == 0 || parts[0] == "" {
			return nil, fmt.Errorf("invalid --device %q: missing source path", f)
		}
		req := orchestrator.DeviceMountRequest{Source: parts[0], Destination: parts[0]}
		if len(parts) > 1 && parts[1] != "" {
			req.Destination = parts[1]
		}
		if len(parts) > 2 {
			req.Access = parts[2]
		}
		out = append(out, req)
	}
	return out, nil
}

// parseKeyValuePairs parses repeated "K=V" flags into a map.
func parseKeyValuePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, found := strings.Cut(p, "=")
		if !found {
			return nil, fmt.Errorf("invalid K=V pair %q", p)
		}
		out[k] = v
	}
	return out, nil
}

// envSlice reads the invoking process's environment into a map, the host
// environment the merger starts from.
func envSlice() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, found := strings.Cut(kv, "=")
		if found {
			out[k] = v
		}
	}
	return out
}

// currentCPUAffinity reads the invoking process's scheduler affinity mask.
// It is forwarded into linux.resources.cpu.cpus so a batch scheduler's CPU
// pin survives inside the container (some OCI runtimes otherwise apply the
// host cpuset cgroup and undo sched_setaffinity pins).
func currentCPUAffinity() []int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil
	}
	want := set.Count()
	var present []int
	for i := 0; len(present) < want; i++ {
		if set.IsSet(i) {
			present = append(present, i)
		}
	}
	return present
}

// bundleContainerID derives a deterministic container identifier from the
// bundle directory's basename (a freshly minted UUID), so the external
// runtime's container id matches the bundle it was handed.
func bundleContainerID(bundleDir string) string {
	i := strings.LastIndex(bundleDir, "/")
	if i < 0 {
		return bundleDir
	}
	return bundleDir[i+1:]
}

func currentLoggerLevel() string {
	switch {
	case debug:
		return "debug"
	case verbose:
		return "verbose"
	case quiet:
		return "warn"
	default:
		return "info"
	}
}
