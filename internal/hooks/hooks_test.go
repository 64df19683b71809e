package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHookFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestLoad_LexicographicOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o755))
	hookBin := filepath.Join(dir, "hook-bin")
	require.NoError(t, os.WriteFile(hookBin, []byte("#!/bin/sh\n"), 0o755))

	writeHookFile(t, dir, "20-b.json", descriptorJSON(hookBin, "createRuntime"))
	writeHookFile(t, dir, "10-a.json", descriptorJSON(hookBin, "createRuntime"))

	loaded, err := Load(dir, false)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, filepath.Join(dir, "10-a.json"), loaded[0].Path)
	assert.Equal(t, filepath.Join(dir, "20-b.json"), loaded[1].Path)
}

func descriptorJSON(hookPath, stage string) string {
	return `{
  "version": "1.0.0",
  "hook": {"path": "` + hookPath + `"},
  "when": {"always": true},
  "stages": ["` + stage + `"]
}`
}

func TestLoadOne_RejectsWrongVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	writeHookFile(t, dir, "bad.json", `{"version":"2.0.0","hook":{"path":"/bin/true"},"when":{"always":true},"stages":["createRuntime"]}`)
	_, err := loadOne(path, false)
	require.Error(t, err)
}

func TestLoadOne_RejectsMissingPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	writeHookFile(t, dir, "bad.json", `{"version":"1.0.0","hook":{},"when":{"always":true},"stages":["createRuntime"]}`)
	_, err := loadOne(path, false)
	require.Error(t, err)
}

func TestLoadOne_RejectsMissingStages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	writeHookFile(t, dir, "bad.json", `{"version":"1.0.0","hook":{"path":"/bin/true"},"when":{"always":true},"stages":[]}`)
	_, err := loadOne(path, false)
	require.Error(t, err)
}

func TestLoadOne_RejectsAdditionalProperties(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	writeHookFile(t, dir, "bad.json", `{"version":"1.0.0","hook":{"path":"/bin/true"},"when":{"always":true},"stages":["createRuntime"],"extra":1}`)
	_, err := loadOne(path, false)
	require.Error(t, err)
}

func TestLoad_EmptyDirReturnsNilWithoutError(t *testing.T) {
	hooksList, err := Load("", true)
	require.NoError(t, err)
	assert.Nil(t, hooksList)
}

// TestIsActive_AllConditionsConjoined exercises a hook carrying every
// condition kind at once: active for argv[0]=/usr/bin/app0 with one bind
// mount and a matching annotation, inactive for a different argv[0].
func TestIsActive_AllConditionsConjoined(t *testing.T) {
	always := true
	hasBindMounts := true
	h := Hook{
		when: whenObject{
			Always:        &always,
			Annotations:   map[string]string{`^com\.oci\.hooks\.test_hook\.enabled$`: `^true$`},
			Commands:      []string{".*/app0"},
			HasBindMounts: &hasBindMounts,
		},
	}

	activeCtx := RunContext{
		Annotations:   map[string]string{"com.oci.hooks.test_hook.enabled": "true"},
		Argv0:         "/usr/bin/app0",
		HasBindMounts: true,
	}
	assert.True(t, IsActive(h, activeCtx))

	inactiveCtx := activeCtx
	inactiveCtx.Argv0 = "/usr/bin/app1"
	assert.False(t, IsActive(h, inactiveCtx))
}

func TestIsActive_AnnotationsRequireFullMatch(t *testing.T) {
	h := Hook{when: whenObject{Annotations: map[string]string{"^foo$": "^bar$"}}}

	assert.True(t, IsActive(h, RunContext{Annotations: map[string]string{"foo": "bar"}}))
	assert.False(t, IsActive(h, RunContext{Annotations: map[string]string{"xfoo": "bar"}}))
	assert.False(t, IsActive(h, RunContext{Annotations: map[string]string{"foo": "barx"}}))
}

// TestIsActive_EmptyValueBoundary: a key match with an empty value and a
// value pattern of "^$" is active.
func TestIsActive_EmptyValueBoundary(t *testing.T) {
	h := Hook{when: whenObject{Annotations: map[string]string{"^flag$": "^$"}}}
	assert.True(t, IsActive(h, RunContext{Annotations: map[string]string{"flag": ""}}))
}

func TestIsActive_HasBindMountsMismatch(t *testing.T) {
	yes := true
	h := Hook{when: whenObject{HasBindMounts: &yes}}
	assert.True(t, IsActive(h, RunContext{HasBindMounts: true}))
	assert.False(t, IsActive(h, RunContext{HasBindMounts: false}))
}

func TestIsActive_NoConditionsIsVacuouslyTrue(t *testing.T) {
	h := Hook{}
	assert.True(t, IsActive(h, RunContext{}))
}

func TestActiveByStage_PreservesDescriptorOrder(t *testing.T) {
	always := true
	h1 := Hook{Path: "10-a.json", when: whenObject{Always: &always}, stages: []string{"createRuntime"}}
	h2 := Hook{Path: "20-b.json", when: whenObject{Always: &always}, stages: []string{"createRuntime"}}
	h1.Descriptor.Path = "/hook-a"
	h2.Descriptor.Path = "/hook-b"

	byStage := ActiveByStage([]Hook{h1, h2}, RunContext{})
	require.Len(t, byStage["createRuntime"], 2)
	assert.Equal(t, "/hook-a", byStage["createRuntime"][0].Path)
	assert.Equal(t, "/hook-b", byStage["createRuntime"][1].Path)
}

func TestActiveByStage_SkipsInactiveHooks(t *testing.T) {
	no := false
	h := Hook{when: whenObject{Always: &no}, stages: []string{"poststop"}}
	byStage := ActiveByStage([]Hook{h}, RunContext{})
	assert.Empty(t, byStage["poststop"])
}

func TestToRuntimeHooks_MapsRecognizedStages(t *testing.T) {
	always := true
	h := Hook{when: whenObject{Always: &always}, stages: []string{"createRuntime", "poststop"}}
	byStage := ActiveByStage([]Hook{h}, RunContext{})

	rh := ToRuntimeHooks(byStage)
	assert.Len(t, rh.CreateRuntime, 1)
	assert.Len(t, rh.Poststop, 1)
	assert.Empty(t, rh.Prestart)
}
