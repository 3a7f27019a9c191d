//go:build !linux

package procindex

import "fmt"

// platformLookup has no /proc on non-Linux platforms, mirroring
// orig:src/process/monitor.rs's no-op Socks backend.
func platformLookup(pid uint32) (Process, error) {
	return Process{}, fmt.Errorf("procindex: unsupported platform")
}

func platformList() ([]Process, error) {
	return nil, nil
}
