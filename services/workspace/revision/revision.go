// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package revision defines the shared vocabulary of the workspace store:
// revision identifiers, tree entries, search hits, the error taxonomy,
// and text/binary content classification.
//
// Every other workspace package imports this one and nothing in here
// imports back, so the taxonomy stays cycle-free.
package revision

import (
	"sort"
	"strconv"
	"strings"
)

// Origin is the identifier the head tree carries before the first
// snapshot is taken. The catalog presents it from birth so clients can
// always address the working tree.
const Origin ID = 1

// ID identifies one revision. IDs are positive, dense, and strictly
// increasing; the highest assigned ID addresses the mutable head tree,
// every lower ID addresses a sealed archive.
type ID int64

// String returns the decimal form used in client paths and archive names.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseID parses the leading revision segment of a client path.
//
// # Outputs
//
//   - ID: The parsed identifier.
//   - bool: False if s is not a positive decimal integer.
func ParseID(s string) (ID, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return ID(n), true
}

// Entry is one file or directory node within a revision tree.
//
// Path is revision-relative, slash-separated, with no leading slash;
// the revision root has Path == "". Children is populated for
// directories only and is ordered directories-first, then
// case-insensitive name, so an unchanged tree always lists identically.
// Parent paths are derived by string manipulation; entries never point
// back at their parents.
type Entry struct {
	Name        string  `json:"name"`
	Path        string  `json:"path"`
	IsDirectory bool    `json:"isDirectory"`
	Modified    int64   `json:"modified"`
	Size        int64   `json:"size"`
	Children    []Entry `json:"children,omitempty"`
}

// SortEntries orders siblings in place: directories before files, then
// ascending case-insensitive name. Ties on folded name fall back to the
// raw name so the order is total.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDirectory != entries[j].IsDirectory {
			return entries[i].IsDirectory
		}
		li, lj := strings.ToLower(entries[i].Name), strings.ToLower(entries[j].Name)
		if li != lj {
			return li < lj
		}
		return entries[i].Name < entries[j].Name
	})
}

// Match classifies how a search query matched a file.
type Match string

const (
	// MatchName reports a hit on the file's base name. Name matches win
	// over content matches for the same entry.
	MatchName Match = "name"
	// MatchContent reports a hit inside the file's decoded text.
	MatchContent Match = "content"
)

// SearchHit is one file matched by a search query, tagged with the
// strongest match type found for it.
type SearchHit struct {
	Path    string `json:"path"`
	Matched Match  `json:"matched"`
}
