// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package revpath normalizes and validates client-supplied paths.
//
// Every path a client sends is "<revisionId>[/<relative-path>]"; the
// leading segment selects the revision root. This package is the single
// chokepoint for traversal and cross-revision confusion: nothing else in
// the workspace interprets a raw client path.
package revpath

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/Tidepool/services/workspace/revision"
)

// Normalize canonicalizes a revision-relative path.
//
// # Description
//
// Backslashes collapse to the canonical separator, then surrounding
// separators are trimmed. Each remaining segment must be a plain name:
// "..", ".", and empty segments are rejected so the result can never
// resolve outside a revision root.
//
// # Inputs
//
//   - raw: Client-supplied path, relative to a revision root.
//
// # Outputs
//
//   - string: Slash-separated relative path; "" addresses the root.
//   - error: revision.ErrInvalidPath (wrapped) on any rule violation.
func Normalize(raw string) (string, error) {
	p := strings.ReplaceAll(raw, "\\", "/")
	p = strings.Trim(p, "/")
	if p == "" {
		return "", nil
	}
	segments := strings.Split(p, "/")
	for _, seg := range segments {
		switch seg {
		case "":
			return "", fmt.Errorf("%w: empty segment in %q", revision.ErrInvalidPath, raw)
		case ".", "..":
			return "", fmt.Errorf("%w: segment %q in %q", revision.ErrInvalidPath, seg, raw)
		}
	}
	return strings.Join(segments, "/"), nil
}

// Split resolves a full client path into its revision and relative parts.
//
// # Inputs
//
//   - raw: "<revisionId>[/<relative-path>]", separators as sent.
//
// # Outputs
//
//   - revision.ID: The addressed revision.
//   - string: Normalized relative path, "" for the revision root.
//   - error: revision.ErrInvalidPath when the revision segment is
//     missing or non-numeric, or the remainder fails Normalize.
func Split(raw string) (revision.ID, string, error) {
	p := strings.ReplaceAll(raw, "\\", "/")
	p = strings.Trim(p, "/")
	if p == "" {
		return 0, "", fmt.Errorf("%w: missing revision segment", revision.ErrInvalidPath)
	}
	head, rest, _ := strings.Cut(p, "/")
	id, ok := revision.ParseID(head)
	if !ok {
		return 0, "", fmt.Errorf("%w: bad revision segment %q", revision.ErrInvalidPath, head)
	}
	rel, err := Normalize(rest)
	if err != nil {
		return 0, "", err
	}
	return id, rel, nil
}

// Base returns the last segment of a normalized path, or "" for the root.
func Base(rel string) string {
	if rel == "" {
		return ""
	}
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		return rel[i+1:]
	}
	return rel
}

// Parent returns the directory holding rel, or "" when rel is at the
// root. Parents are derived by string manipulation only.
func Parent(rel string) string {
	i := strings.LastIndexByte(rel, '/')
	if i < 0 {
		return ""
	}
	return rel[:i]
}

// Within reports whether rel equals prefix or sits beneath it. A ""
// prefix contains everything.
func Within(rel, prefix string) bool {
	if prefix == "" {
		return true
	}
	return rel == prefix || strings.HasPrefix(rel, prefix+"/")
}
