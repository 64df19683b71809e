// Package engineconfig reads and validates the engine's JSON configuration
// file: installation paths, external tool paths, the site environment
// transforms, and the security-checks toggle.
package engineconfig

import (
	"encoding/json"
	"os"

	"github.com/hpc-forge/sarus-engine/internal/configmerge"
	"github.com/hpc-forge/sarus-engine/internal/pathvalidate"
	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

// EnvironmentConfig is the site-configured environment transform list,
// expanded into configmerge transforms in declaration order: set, then
// prepend, then append, then unset.
type EnvironmentConfig struct {
	Set     map[string]string `json:"set"`
	Prepend map[string]string `json:"prepend"`
	Append  map[string]string `json:"append"`
	Unset   []string          `json:"unset"`
}

// Transforms flattens e into the ordered EnvTransform list configmerge
// expects.
func (e EnvironmentConfig) Transforms() []configmerge.EnvTransform {
	var out []configmerge.EnvTransform
	for k, v := range e.Set {
		out = append(out, configmerge.EnvTransform{Op: "set", Key: k, Value: v})
	}
	for k, v := range e.Prepend {
		out = append(out, configmerge.EnvTransform{Op: "prepend", Key: k, Value: v})
	}
	for k, v := range e.Append {
		out = append(out, configmerge.EnvTransform{Op: "append", Key: k, Value: v})
	}
	for _, k := range e.Unset {
		out = append(out, configmerge.EnvTransform{Op: "unset", Key: k})
	}
	return out
}

// Config is the engine's JSON configuration file.
type Config struct {
	PrefixDir                string            `json:"prefixDir"`
	OCIBundleDir             string            `json:"OCIBundleDir"`
	RootfsFolder             string            `json:"rootfsFolder"`
	LocalRepositoryBaseDir   string            `json:"localRepositoryBaseDir"`
	CentralizedRepositoryDir string            `json:"centralizedRepositoryDir,omitempty"`
	TempDir                  string            `json:"tempDir"`
	SkopeoPath               string            `json:"skopeoPath"`
	UmociPath                string            `json:"umociPath"`
	MksquashfsPath           string            `json:"mksquashfsPath"`
	MksquashfsOptions        string            `json:"mksquashfsOptions,omitempty"`
	RuncPath                 string            `json:"runcPath"`
	InitPath                 string            `json:"initPath"`
	HooksDir                 string            `json:"hooksDir,omitempty"`
	SeccompProfile           string            `json:"seccompProfile,omitempty"`
	ApparmorProfile          string            `json:"apparmorProfile,omitempty"`
	SelinuxLabel             string            `json:"selinuxLabel,omitempty"`
	SelinuxMountLabel        string            `json:"selinuxMountLabel,omitempty"`
	EnablePMIxv3Support      bool              `json:"enablePMIxv3Support,omitempty"`
	SecurityChecks           bool              `json:"securityChecks"`
	Environment              EnvironmentConfig `json:"environment"`
	// SiteMounts are bind mounts the site administrator applies to every
	// container, in the same map form as a user --mount request. They are
	// executed before user mounts.
	SiteMounts []map[string]string `json:"siteMounts,omitempty"`
}

var requiredPaths = func(c *Config) map[string]string {
	return map[string]string{
		"prefixDir":              c.PrefixDir,
		"OCIBundleDir":           c.OCIBundleDir,
		"rootfsFolder":           c.RootfsFolder,
		"localRepositoryBaseDir": c.LocalRepositoryBaseDir,
		"tempDir":                c.TempDir,
		"skopeoPath":             c.SkopeoPath,
		"umociPath":              c.UmociPath,
		"mksquashfsPath":         c.MksquashfsPath,
		"runcPath":               c.RuncPath,
		"initPath":               c.InitPath,
	}
}

// Load reads and parses the engine configuration at path. The file is read
// first and only then checked weakly (the file alone, not its ancestry),
// closing the TOCTOU window between the check and the read.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Config, err, "reading engine configuration %q", path)
	}

	if err := pathvalidate.CheckUntamperable(path, pathvalidate.Weak); err != nil {
		return nil, err
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, xerrors.Wrap(xerrors.Config, err, "parsing engine configuration %q", path)
	}

	for name, value := range requiredPaths(&c) {
		if value == "" {
			return nil, xerrors.New(xerrors.Config, "engine configuration %q: missing required property %q", path, name)
		}
	}

	return &c, nil
}

// CheckToolsUntamperable applies the strict untamperable walk to the
// mksquashfs, init and runc binaries and, when set, the hooks directory,
// when SecurityChecks is enabled. The skopeo and umoci paths and the OCI
// bundle directory are not checked.
func (c *Config) CheckToolsUntamperable() error {
	if !c.SecurityChecks {
		return nil
	}

	paths := []string{c.MksquashfsPath, c.InitPath, c.RuncPath}
	if c.HooksDir != "" {
		paths = append(paths, c.HooksDir)
	}
	for _, p := range paths {
		if err := pathvalidate.CheckUntamperable(p, pathvalidate.Strict); err != nil {
			return err
		}
	}
	return nil
}
