// Package configmerge computes the final (workdir, env, argv, annotations)
// tuple used to build the OCI process spec, merging image metadata, the
// host environment, site-configured transforms, and CLI overrides.
package configmerge

import (
	"sort"
	"strconv"
	"strings"

	"github.com/hpc-forge/sarus-engine/internal/imagelayout"
	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

// EnvTransform is one site-configured environment transform:
// set/prepend/append/unset.
type EnvTransform struct {
	Op    string // "set", "prepend", "append", "unset"
	Key   string
	Value string
}

// CLIOptions carries the subset of `run` flags the merger consumes.
type CLIOptions struct {
	Workdir         string
	Entrypoint      []string
	Command         []string
	Env             map[string]string
	Init            bool
	EnablePMIxv3    bool
	MPI             bool
	MPIType         string
	Glibc           bool
	SSH             bool
	SlurmGlobalSync bool
	LoggerLevel     string
	Annotations     map[string]string
}

// Merger computes the final merged configuration.
type Merger struct {
	HostEnv       map[string]string
	Image         imagelayout.ImageMetadata
	EnvTransforms []EnvTransform
	CLI           CLIOptions
}

// Workdir selects the final working directory: CLI override, then image
// metadata WorkingDir, then "/".
func (m *Merger) Workdir() string {
	if m.CLI.Workdir != "" {
		return m.CLI.Workdir
	}
	if m.Image.WorkingDir != "" {
		return m.Image.WorkingDir
	}
	return "/"
}

// Env builds the final environment map. Order matters: host environment,
// image overlay (minus PMIX_*), NVIDIA adjustment, PMIx v3 MCA mapping,
// init subreaper flag, site transforms, CLI overrides last.
func (m *Merger) Env() map[string]string {
	env := make(map[string]string, len(m.HostEnv))
	for k, v := range m.HostEnv {
		env[k] = v
	}

	for k, v := range m.Image.Env {
		if strings.HasPrefix(k, "PMIX_") {
			continue
		}
		env[k] = v
	}

	adjustNvidiaVars(m.HostEnv, env)

	if m.CLI.EnablePMIxv3 {
		setPMIxMCAVars(m.HostEnv, env)
	}

	if m.CLI.Init {
		env["TINI_SUBREAPER"] = "1"
	}

	for _, t := range m.EnvTransforms {
		applyTransform(env, t)
	}

	for k, v := range m.CLI.Env {
		env[k] = v
	}

	return env
}

// adjustNvidiaVars propagates the host's GPU visibility into the container:
// CUDA_VISIBLE_DEVICES is remapped by rank within the sorted host list (the
// container sees devices renumbered from 0), NVIDIA_VISIBLE_DEVICES carries
// the host ids, and NVIDIA_DRIVER_CAPABILITIES defaults to "all". Without a
// host CUDA_VISIBLE_DEVICES (or with the "NoDevFiles" sentinel) the CUDA/
// NVIDIA variables are removed instead. NVIDIA_REQUIRE_* is left untouched.
func adjustNvidiaVars(host, env map[string]string) {
	cvd, ok := host["CUDA_VISIBLE_DEVICES"]
	if !ok || cvd == "NoDevFiles" {
		delete(env, "CUDA_VERSION")
		delete(env, "CUDA_VISIBLE_DEVICES")
		delete(env, "NVIDIA_VISIBLE_DEVICES")
		delete(env, "NVIDIA_DRIVER_CAPABILITIES")
		return
	}

	env["NVIDIA_VISIBLE_DEVICES"] = cvd
	if _, ok := env["NVIDIA_DRIVER_CAPABILITIES"]; !ok {
		env["NVIDIA_DRIVER_CAPABILITIES"] = "all"
	}

	hostList := strings.Split(cvd, ",")
	sorted := append([]string{}, hostList...)
	sort.Strings(sorted)

	rank := make([]string, len(hostList))
	for i, id := range hostList {
		idx := sort.SearchStrings(sorted, id)
		rank[i] = strconv.Itoa(idx)
	}
	env["CUDA_VISIBLE_DEVICES"] = strings.Join(rank, ",")
}

// setPMIxMCAVars copies the PMIx module selections the launcher exported
// into their MCA equivalents, without clobbering values already present.
func setPMIxMCAVars(host, env map[string]string) {
	pairs := [][2]string{
		{"PMIX_PTL_MODULE", "PMIX_MCA_ptl"},
		{"PMIX_SECURITY_MODE", "PMIX_MCA_psec"},
		{"PMIX_GDS_MODULE", "PMIX_MCA_gds"},
	}
	for _, p := range pairs {
		src, target := p[0], p[1]
		hostVal, ok := host[src]
		if !ok || hostVal == "" {
			continue
		}
		if existing, ok := env[target]; ok && existing != "" {
			continue
		}
		env[target] = hostVal
	}
}

func applyTransform(env map[string]string, t EnvTransform) {
	switch t.Op {
	case "set":
		env[t.Key] = t.Value
	case "prepend":
		if existing, ok := env[t.Key]; ok && existing != "" {
			env[t.Key] = t.Value + ":" + existing
		} else {
			env[t.Key] = t.Value
		}
	case "append":
		if existing, ok := env[t.Key]; ok && existing != "" {
			env[t.Key] = existing + ":" + t.Value
		} else {
			env[t.Key] = t.Value
		}
	case "unset":
		delete(env, t.Key)
	}
}

// Argv computes the final process.args, prepending ["/dev/init", "--"] iff
// CLI.Init. An empty image Cmd/Entrypoint is treated as absent.
func (m *Merger) Argv() ([]string, error) {
	var argv []string
	if m.CLI.Init {
		argv = append(argv, "/dev/init", "--")
	}

	cliEntrypoint := nonEmpty(m.CLI.Entrypoint)
	imageEntrypoint := nonEmpty(m.Image.Entrypoint)
	cliCommand := nonEmpty(m.CLI.Command)
	imageCommand := nonEmpty(m.Image.Cmd)

	switch {
	case cliEntrypoint != nil:
		argv = append(argv, cliEntrypoint...)
	case imageEntrypoint != nil:
		argv = append(argv, imageEntrypoint...)
	}

	if cliCommand != nil {
		argv = append(argv, cliCommand...)
	} else if cliEntrypoint == nil && imageCommand != nil {
		argv = append(argv, imageCommand...)
	}

	if len(argv) == 0 {
		return nil, xerrors.New(xerrors.Config, "no entrypoint or command resolved for the container process")
	}
	return argv, nil
}

func nonEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

// Annotations merges automatic hook-enable annotations, image labels (lower
// priority), and explicit CLI/engine annotations (highest priority). CLI
// wins over image labels; the dedicated test pins that order.
func (m *Merger) Annotations() map[string]string {
	out := map[string]string{
		"com.hooks.glibc.enabled":                boolStr(m.CLI.Glibc),
		"com.hooks.mpi.enabled":                  boolStr(m.CLI.MPI),
		"com.hooks.mpi.type":                     m.CLI.MPIType,
		"com.hooks.slurm-global-sync.enabled":    boolStr(m.CLI.SlurmGlobalSync),
		"com.hooks.ssh.enabled":                  boolStr(m.CLI.SSH),
		"com.hooks.logging.level":                m.CLI.LoggerLevel,
	}

	for k, v := range m.Image.Labels {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}

	for k, v := range m.CLI.Annotations {
		out[k] = v
	}

	return out
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
