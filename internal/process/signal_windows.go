//go:build windows

package process

import "syscall"

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const processTerminate = 0x0001

// Windows has no graceful group signal for console-less children, so both
// steps terminate the process.
func terminateGroup(pid int) error { return terminateProcess(pid) }

func killGroup(pid int) error { return terminateProcess(pid) }

func terminateProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	h, _, err := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(uint32(pid)))
	if h == 0 {
		// already gone
		_ = err
		return nil
	}
	defer func() { _, _, _ = procCloseHandle.Call(h) }()
	ret, _, err := procTerminateProcess.Call(h, uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}
