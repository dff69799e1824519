// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package guard

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// windowsLocker implements Locker over LockFileEx.
type windowsLocker struct{}

// Lock acquires an exclusive lock with LOCKFILE_FAIL_IMMEDIATELY, so a
// held lock is reported rather than waited on.
func (l *windowsLocker) Lock(f *os.File) error {
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, ol)
	if err != nil {
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return errLockHeld
		}
		return err
	}
	return nil
}

// Unlock releases the lock over the same byte range.
func (l *windowsLocker) Unlock(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol)
}

// isProcessAlive queries the process handle without touching the
// process itself.
func isProcessAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	windows.CloseHandle(handle)
	return true
}

// newPlatformLocker returns the LockFileEx-based locker.
func newPlatformLocker() Locker {
	return &windowsLocker{}
}
