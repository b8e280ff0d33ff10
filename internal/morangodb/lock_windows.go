//go:build windows

package morangodb

import (
	"golang.org/x/sys/windows"
)

// tryLock locks the first byte of the lock file (offset 0, length 1) with
// LockFileEx, failing immediately rather than blocking if another
// process already holds it.
func (l *writeLocker) tryLock() error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(
		windows.Handle(l.lockFile.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,
		1,
		0,
		ol,
	)
}

func (l *writeLocker) unlock() {
	if l.lockFile == nil {
		return
	}
	ol := new(windows.Overlapped)
	windows.UnlockFileEx(windows.Handle(l.lockFile.Fd()), 0, 1, 0, ol)
}

// isProcessAlive opens pid and checks its exit code rather than
// relying on OpenProcess failing, since a handle can still open for a
// PID that has already exited.
func isProcessAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}

	const stillActive = 259
	return exitCode == stillActive
}
