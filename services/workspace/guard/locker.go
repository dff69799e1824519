// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import (
	"errors"
	"os"
)

// errLockHeld is the platform lockers' busy signal.
var errLockHeld = errors.New("lock held elsewhere")

// Locker abstracts platform-specific advisory locking.
//
// # Description
//
// Unix uses flock(2); Windows uses LockFileEx. Both are advisory and
// release automatically when the holding process exits.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type Locker interface {
	// Lock acquires an exclusive lock, non-blocking. Returns
	// errLockHeld when another process holds it.
	Lock(f *os.File) error

	// Unlock releases the lock. Safe to call when not locked.
	Unlock(f *os.File) error
}
