//go:build !windows

package app

import (
	"errors"
	"syscall"
)

// processAlive probes pid with signal 0. EPERM still means the process
// exists but belongs to another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
