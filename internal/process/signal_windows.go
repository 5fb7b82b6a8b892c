//go:build windows

package process

import "syscall"

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const PROCESS_TERMINATE = 0x0001

// Windows has no POSIX process groups; both helpers terminate the child
// itself and rely on CREATE_NEW_PROCESS_GROUP for console signal scoping.
func terminateGroup(pid int) error { return terminateByPID(pid) }

func killGroup(pid int) error { return terminateByPID(pid) }

func terminateByPID(pid int) error {
	if pid <= 0 {
		return nil
	}
	handle, _, err := procOpenProcess.Call(uintptr(PROCESS_TERMINATE), 0, uintptr(uint32(pid)))
	if handle == 0 {
		// The process is most likely already gone.
		_ = err
		return nil
	}
	defer func() { _, _, _ = procCloseHandle.Call(handle) }()
	ret, _, callErr := procTerminateProcess.Call(handle, uintptr(1))
	if ret == 0 {
		return callErr
	}
	return nil
}
