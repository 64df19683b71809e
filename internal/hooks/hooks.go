// Package hooks loads OCI hook descriptors from a site-configured directory
// and evaluates their activation conditions against a run's annotations,
// command, and mount set.
package hooks

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	runtimespec "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/hpc-forge/sarus-engine/internal/pathvalidate"
	"github.com/hpc-forge/sarus-engine/internal/sylog"
	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

const descriptorVersion = "1.0.0"

// descriptor mirrors the shipped hook descriptor JSON schema.
type descriptor struct {
	Version string           `json:"version"`
	Hook    runtimespec.Hook `json:"hook"`
	When    whenObject       `json:"when"`
	Stages  []string         `json:"stages"`
}

type whenObject struct {
	Always        *bool             `json:"always,omitempty"`
	Annotations   map[string]string `json:"annotations,omitempty"`
	Commands      []string          `json:"commands,omitempty"`
	HasBindMounts *bool             `json:"hasBindMounts,omitempty"`
}

// Hook is one loaded, parsed hook descriptor together with its source path
// (used for lexicographic ordering and error reporting).
type Hook struct {
	Path       string
	Descriptor runtimespec.Hook
	when       whenObject
	stages     []string
}

// RunContext is the information a hook's "when" conditions are evaluated
// against: the final bundle annotations, the resolved argv[0] of the
// container command, and whether any bind mounts were requested.
type RunContext struct {
	Annotations   map[string]string
	Argv0         string
	HasBindMounts bool
}

// Load enumerates *.json files under dir in lexicographic order, parses and
// validates each against the shipped schema shape, and requires
// version=="1.0.0". When securityChecks is enabled in the engine
// configuration, Load also verifies dir and each hook.path binary are
// untamperable.
func Load(dir string, securityChecks bool) ([]Hook, error) {
	if dir == "" {
		return nil, nil
	}

	if securityChecks {
		if err := pathvalidate.CheckUntamperable(dir, pathvalidate.Strict); err != nil {
			return nil, err
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Config, err, "reading hooks directory %q", dir)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var loaded []Hook
	for _, name := range names {
		path := filepath.Join(dir, name)
		h, err := loadOne(path, securityChecks)
		if err != nil {
			// A schema violation at load time aborts the run; only
			// condition-evaluation failures at run scope are downgraded
			// to WARN-and-disable.
			return nil, err
		}
		loaded = append(loaded, h)
	}
	return loaded, nil
}

func loadOne(path string, securityChecks bool) (Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Hook{}, xerrors.Wrap(xerrors.Config, err, "reading hook descriptor %q", path)
	}

	// The shipped schema rejects additional properties; mirror that here by
	// failing on any member the descriptor shape does not declare.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var d descriptor
	if err := dec.Decode(&d); err != nil {
		return Hook{}, xerrors.Wrap(xerrors.Config, err, "parsing hook descriptor %q", path)
	}

	if d.Version != descriptorVersion {
		return Hook{}, xerrors.New(xerrors.Config, "hook descriptor %q: unsupported version %q, expected %q", path, d.Version, descriptorVersion)
	}
	if d.Hook.Path == "" {
		return Hook{}, xerrors.New(xerrors.Config, "hook descriptor %q: missing hook.path", path)
	}
	if len(d.Stages) == 0 {
		return Hook{}, xerrors.New(xerrors.Config, "hook descriptor %q: missing stages", path)
	}

	if securityChecks {
		if err := pathvalidate.CheckUntamperable(d.Hook.Path, pathvalidate.Strict); err != nil {
			return Hook{}, err
		}
	}

	return Hook{
		Path:       path,
		Descriptor: d.Hook,
		when:       d.When,
		stages:     d.Stages,
	}, nil
}

// IsActive evaluates h's when-conditions against ctx as a conjunction: every
// condition present must evaluate true. An absent condition is vacuously
// true. A HookError from one condition disables just this hook and is
// logged at WARN, never aborting the run.
func IsActive(h Hook, ctx RunContext) bool {
	if h.when.Always != nil && !evaluateAlways(*h.when.Always) {
		return false
	}
	if h.when.Annotations != nil {
		ok, err := evaluateAnnotations(h.when.Annotations, ctx.Annotations)
		if err != nil {
			sylog.Warningf("hook %q: disabling due to annotations condition error: %v", h.Path, err)
			return false
		}
		if !ok {
			return false
		}
	}
	if h.when.Commands != nil {
		ok, err := evaluateCommands(h.when.Commands, ctx.Argv0)
		if err != nil {
			sylog.Warningf("hook %q: disabling due to commands condition error: %v", h.Path, err)
			return false
		}
		if !ok {
			return false
		}
	}
	if h.when.HasBindMounts != nil && (*h.when.HasBindMounts != ctx.HasBindMounts) {
		return false
	}
	return true
}

func evaluateAlways(value bool) bool {
	return value
}

func evaluateAnnotations(conditions, bundleAnnotations map[string]string) (bool, error) {
	for keyPattern, valuePattern := range conditions {
		keyRe, err := regexp.Compile(keyPattern)
		if err != nil {
			return false, xerrors.Wrap(xerrors.Hook, err, "compiling annotation key regex %q", keyPattern)
		}
		valueRe, err := regexp.Compile(valuePattern)
		if err != nil {
			return false, xerrors.Wrap(xerrors.Hook, err, "compiling annotation value regex %q", valuePattern)
		}

		matched := false
		for k, v := range bundleAnnotations {
			if fullMatch(keyRe, k) && fullMatch(valueRe, v) {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// fullMatch reports whether re matches the entirety of s. Annotation
// conditions are full-match on both key and value, not substring match.
func fullMatch(re *regexp.Regexp, s string) bool {
	loc := re.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

func evaluateCommands(commands []string, argv0 string) (bool, error) {
	for _, pattern := range commands {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, xerrors.Wrap(xerrors.Hook, err, "compiling command regex %q", pattern)
		}
		if re.MatchString(argv0) {
			return true, nil
		}
	}
	return false, nil
}

// ActiveByStage partitions hooks into per-stage arrays of active hooks,
// each preserving the lexicographic descriptor order.
func ActiveByStage(all []Hook, ctx RunContext) map[string][]runtimespec.Hook {
	result := make(map[string][]runtimespec.Hook)
	for _, h := range all {
		if !IsActive(h, ctx) {
			continue
		}
		for _, stage := range h.stages {
			result[stage] = append(result[stage], h.Descriptor)
		}
	}
	return result
}

// ToRuntimeHooks converts the per-stage map produced by ActiveByStage into
// the OCI runtime-spec's Hooks struct, mapping only the recognized stage
// names ("createRuntime" and "poststop" are the typical ones).
func ToRuntimeHooks(byStage map[string][]runtimespec.Hook) *runtimespec.Hooks {
	return &runtimespec.Hooks{
		Prestart:        byStage["prestart"],
		CreateRuntime:   byStage["createRuntime"],
		CreateContainer: byStage["createContainer"],
		StartContainer:  byStage["startContainer"],
		Poststart:       byStage["poststart"],
		Poststop:        byStage["poststop"],
	}
}
