//go:build linux

package launcher

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// setProcessTitle rewrites the command line shown by ps and
// /proc/self/cmdline, then sets comm, which the kernel truncates to 15 bytes.
func setProcessTitle(title string) error {
	cmdlineErr := setCmdline(title)
	if err := setComm(title); err != nil {
		return err
	}
	return cmdlineErr
}

// setComm names the thread group leader through /proc/self/comm. prctl only
// renames the calling thread and is the fallback.
func setComm(title string) error {
	if err := os.WriteFile("/proc/self/comm", []byte(title), 0); err == nil {
		return nil
	}
	b, err := unix.BytePtrFromString(title)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(b)), 0, 0, 0)
}
