// Package cgroups locates a running container's devices cgroup, by parsing
// /proc/1/mountinfo and /proc/<pid>/cgroup, and appends device-whitelist
// entries to it. It is intentionally limited to that single operation.
package cgroups

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpc-forge/sarus-engine/internal/xerrors"
)

// DevicesPath returns the devices cgroup directory for pid, by parsing
// /proc/1/mountinfo for the devices controller's mount point and
// /proc/<pid>/cgroup for the process's sub-path within it, handling the
// case where the controller's mount root is itself a prefix of the
// process's cgroup path.
func DevicesPath(pid int) (string, error) {
	mountRoot, mountPoint, err := findDevicesMount()
	if err != nil {
		return "", err
	}

	subPath, err := findProcessCgroupPath(pid, "devices")
	if err != nil {
		return "", err
	}

	rel := strings.TrimPrefix(subPath, mountRoot)
	rel = strings.TrimPrefix(rel, "/")

	return filepath.Join(mountPoint, rel), nil
}

// findDevicesMount scans /proc/1/mountinfo for the cgroup mount whose
// options list contains "devices", returning its (root, mountPoint).
func findDevicesMount() (root, mountPoint string, err error) {
	f, err := os.Open("/proc/1/mountinfo")
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.Config, err, "opening /proc/1/mountinfo")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		// mountinfo fields are separated by " - " into pre/post groups.
		parts := strings.SplitN(line, " - ", 2)
		if len(parts) != 2 {
			continue
		}
		pre := strings.Fields(parts[0])
		post := strings.Fields(parts[1])
		if len(pre) < 5 || len(post) < 3 {
			continue
		}
		fsType := post[0]
		superOpts := post[2]
		if fsType != "cgroup" && fsType != "cgroup2" {
			continue
		}
		if fsType == "cgroup2" || strings.Contains(superOpts, "devices") {
			return pre[3], pre[4], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", xerrors.Wrap(xerrors.Config, err, "scanning /proc/1/mountinfo")
	}
	return "", "", xerrors.New(xerrors.Config, "devices cgroup mount not found in /proc/1/mountinfo")
}

// findProcessCgroupPath returns pid's cgroup sub-path for controller, from
// /proc/<pid>/cgroup.
func findProcessCgroupPath(pid int, controller string) (string, error) {
	path := fmt.Sprintf("/proc/%d/cgroup", pid)
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.Config, err, "opening %q", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var fallback string
	for scanner.Scan() {
		// format: hierarchy-ID:controller-list:cgroup-path
		fields := strings.SplitN(scanner.Text(), ":", 3)
		if len(fields) != 3 {
			continue
		}
		if fields[1] == "" {
			fallback = fields[2] // cgroup v2 unified hierarchy
			continue
		}
		for _, c := range strings.Split(fields[1], ",") {
			if c == controller {
				return fields[2], nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", xerrors.Wrap(xerrors.Config, err, "scanning %q", path)
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", xerrors.New(xerrors.Config, "%s controller not found in %q", controller, path)
}

// AllowDevice appends rule to devicesCgroupPath/devices.allow.
func AllowDevice(devicesCgroupPath, rule string) error {
	f, err := os.OpenFile(filepath.Join(devicesCgroupPath, "devices.allow"), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return xerrors.Wrap(xerrors.Mount, err, "opening devices.allow under %q", devicesCgroupPath)
	}
	defer f.Close()
	if _, err := f.WriteString(rule); err != nil {
		return xerrors.Wrap(xerrors.Mount, err, "writing device whitelist rule %q", rule)
	}
	return nil
}
