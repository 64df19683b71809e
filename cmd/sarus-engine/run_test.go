package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpc-forge/sarus-engine/internal/orchestrator"
)

func TestParseCommaMap(t *testing.T) {
	got := parseCommaMap("type=bind,source=/src,destination=/dest,readonly")
	assert.Equal(t, map[string]string{
		"type": "bind", "source": "/src", "destination": "/dest", "readonly": "",
	}, got)
}

func TestParseMountFlags(t *testing.T) {
	got := parseMountFlags([]string{"source=/a,destination=/b"})
	require.Len(t, got, 1)
	assert.Equal(t, "/a", got[0]["source"])
}

func TestParseDeviceFlags_SourceOnly(t *testing.T) {
	got, err := parseDeviceFlags([]string{"/dev/nvidia0"})
	require.NoError(t, err)
	assert.Equal(t, []orchestrator.DeviceMountRequest{
		{Source: "/dev/nvidia0", Destination: "/dev/nvidia0"},
	}, got)
}

func TestParseDeviceFlags_SourceDestAccess(t *testing.T) {
	got, err := parseDeviceFlags([]string{"/dev/nvidia0:/dev/nvidia1:rw"})
	require.NoError(t, err)
	assert.Equal(t, []orchestrator.DeviceMountRequest{
		{Source: "/dev/nvidia0", Destination: "/dev/nvidia1", Access: "rw"},
	}, got)
}

func TestParseDeviceFlags_RejectsEmptySource(t *testing.T) {
	_, err := parseDeviceFlags([]string{""})
	assert.Error(t, err)
}

func TestParseKeyValuePairs(t *testing.T) {
	got, err := parseKeyValuePairs([]string{"FOO=bar", "BAZ="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"FOO": "bar", "BAZ": ""}, got)
}

func TestParseKeyValuePairs_RejectsMissingEquals(t *testing.T) {
	_, err := parseKeyValuePairs([]string{"FOO"})
	assert.Error(t, err)
}

func TestBundleContainerID(t *testing.T) {
	assert.Equal(t, "abc123", bundleContainerID("/var/run/sarus/bundles/abc123"))
	assert.Equal(t, "abc123", bundleContainerID("abc123"))
}

func TestCurrentIdentity_ReadsRealUIDAndGID(t *testing.T) {
	id, err := currentIdentity()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int(id.UID), 0)
	assert.GreaterOrEqual(t, int(id.GID), 0)
}

func TestCurrentLoggerLevel(t *testing.T) {
	prevDebug, prevVerbose, prevQuiet := debug, verbose, quiet
	defer func() { debug, verbose, quiet = prevDebug, prevVerbose, prevQuiet }()

	debug, verbose, quiet = false, false, false
	assert.Equal(t, "info", currentLoggerLevel())

	debug, verbose, quiet = true, false, false
	assert.Equal(t, "debug", currentLoggerLevel())

	debug, verbose, quiet = false, true, false
	assert.Equal(t, "verbose", currentLoggerLevel())

	debug, verbose, quiet = false, false, true
	assert.Equal(t, "warn", currentLoggerLevel())
}
