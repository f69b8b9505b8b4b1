//go:build windows

package proc

import (
	"os"

	"golang.org/x/sys/windows"
)

// TerminateSignal asks a child to shut down gracefully. Windows only
// delivers it to console process groups; callers fall back to Kill.
var TerminateSignal os.Signal = os.Interrupt

const stillActive = 259

// Alive reports whether a process with pid exists and has not exited.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
