// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package revision

import "errors"

var (
	// ErrInvalidPath indicates a malformed client path: traversal
	// segments, empty segments, or a revision prefix that does not parse.
	ErrInvalidPath = errors.New("invalid path")

	// ErrRootProtected indicates an attempt to rename or delete a
	// revision root.
	ErrRootProtected = errors.New("revision root is protected")

	// ErrImmutableRevision indicates a mutation addressed to a sealed
	// revision instead of the head.
	ErrImmutableRevision = errors.New("revision is immutable")

	// ErrNotFound indicates the revision or the path inside it does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the rename destination is occupied.
	ErrAlreadyExists = errors.New("destination already exists")

	// ErrIsDirectory indicates a file operation addressed a directory.
	ErrIsDirectory = errors.New("path is a directory")

	// ErrIsFile indicates a directory operation addressed a file.
	ErrIsFile = errors.New("path is a file")

	// ErrSnapshotFailed indicates archive serialization failed; the head
	// tree and the catalog are unchanged and the call may be retried.
	ErrSnapshotFailed = errors.New("snapshot failed")
)
