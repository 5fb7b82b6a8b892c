//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// terminateGroup delivers SIGTERM to the whole process group.
func terminateGroup(pid int) error {
	return ignoreGone(syscall.Kill(-pid, syscall.SIGTERM))
}

// killGroup delivers SIGKILL to the whole process group.
func killGroup(pid int) error {
	return ignoreGone(syscall.Kill(-pid, syscall.SIGKILL))
}

// ignoreGone treats an already-exited target as success.
func ignoreGone(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
