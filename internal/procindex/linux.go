//go:build linux

package procindex

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// platformLookup reads /proc/<pid>/{comm,cmdline,cgroup}, grounded on
// orig:src/process/linux/lookup.rs's lookup(): every file is read
// best-effort, a NotFound error degrading to the zero value for that field
// rather than failing the whole lookup.
func platformLookup(pid uint32) (Process, error) {
	comm, err := readComm(pid)
	if err != nil {
		return Process{}, err
	}
	cmdline, err := readCmdline(pid)
	if err != nil {
		return Process{}, err
	}
	cgroups, err := readCGroups(pid)
	if err != nil {
		return Process{}, err
	}

	return Process{
		PID:       pid,
		Comm:      comm,
		Cmdline:   cmdline,
		CGroups:   cgroups,
		Container: containerID(cgroups),
	}, nil
}

// platformList scans /proc for every numeric pid directory, the backend for
// the periodic full rescan (orig:src/process/procs.rs's scan()).
func platformList() ([]Process, error) {
	f, err := os.Open("/proc")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	var procs []Process
	for _, name := range names {
		pid, err := strconv.ParseUint(name, 10, 32)
		if err != nil {
			continue
		}
		proc, err := platformLookup(uint32(pid))
		if err != nil {
			continue // process exited between readdir and lookup
		}
		procs = append(procs, proc)
	}
	return procs, nil
}

func readComm(pid uint32) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if orDefault(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readCmdline(pid uint32) ([]string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if orDefault(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	parts := bytes.Split(bytes.TrimRight(data, "\x00"), []byte{0})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) > 0 {
			out = append(out, string(p))
		}
	}
	return out, nil
}

func readCGroups(pid uint32) ([]CGroup, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if orDefault(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var groups []CGroup
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.SplitN(line, ":", 3)
		if len(fields) != 3 {
			continue
		}
		hierarchy, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			continue
		}
		var controllers []string
		if fields[1] != "" {
			controllers = strings.Split(fields[1], ",")
		}
		groups = append(groups, CGroup{
			Hierarchy:   uint32(hierarchy),
			Controllers: controllers,
			Path:        fields[2],
		})
	}
	return groups, scanner.Err()
}

// containerID returns the trailing path segment of a /kubepods/ cgroup
// path, the pod sandbox's container id (orig:src/process/linux/lookup.rs).
func containerID(groups []CGroup) string {
	for _, g := range groups {
		if !strings.HasPrefix(g.Path, "/kubepods/") {
			continue
		}
		parts := strings.Split(g.Path, "/")
		if last := parts[len(parts)-1]; last != "" {
			return last
		}
	}
	return ""
}

func orDefault(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
