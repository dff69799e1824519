// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package guard

import (
	"os"
	"syscall"
)

// unixLocker implements Locker over flock(2).
//
// Locks are process-scoped and released on file close or process exit.
type unixLocker struct{}

// Lock acquires an exclusive lock with LOCK_EX|LOCK_NB.
func (l *unixLocker) Lock(f *os.File) error {
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		if err == syscall.EWOULDBLOCK {
			return errLockHeld
		}
		return err
	}
	return nil
}

// Unlock releases the lock with LOCK_UN.
func (l *unixLocker) Unlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

// isProcessAlive sends signal 0, which checks existence without
// affecting the process.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// newPlatformLocker returns the flock-based locker.
func newPlatformLocker() Locker {
	return &unixLocker{}
}
