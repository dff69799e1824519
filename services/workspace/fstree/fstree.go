// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fstree owns the mutable head tree on disk.
//
// One Store guards one workspace. Mutations serialize behind a single
// writer lock; reads share a read lock so they observe either the pre-
// or post-mutation state, never a torn one. Snapshot capture borrows the
// writer lock through Freeze, which drains in-flight mutations before
// handing the caller an exclusive view.
package fstree

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/Tidepool/services/workspace/revision"
	"github.com/AleutianAI/Tidepool/services/workspace/revpath"
)

const (
	dirMode  = 0o750
	fileMode = 0o640
)

// Store is the on-disk head tree plus its workspace lock.
//
// # Thread Safety
//
// All methods are safe for concurrent use. At most one mutation runs at
// a time; reads run concurrently with each other.
type Store struct {
	root string
	mu   sync.RWMutex
}

// Open binds a Store to the head directory, creating it when absent.
func Open(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving head root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, dirMode); err != nil {
		return nil, fmt.Errorf("creating head root %s: %w", abs, err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute head directory.
func (s *Store) Root() string {
	return s.root
}

// abs maps a normalized relative path onto the head directory. rel has
// already passed revpath.Normalize, so it contains only plain segments.
func (s *Store) abs(rel string) string {
	if rel == "" {
		return s.root
	}
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Read returns the full byte content of a head file.
//
// # Outputs
//
//   - []byte: File content.
//   - error: revision.ErrNotFound if absent, revision.ErrIsDirectory if
//     rel names a directory; other I/O errors wrapped.
func (s *Store) Read(rel string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readFile(s.abs(rel), rel)
}

func readFile(abs, rel string) ([]byte, error) {
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", revision.ErrNotFound, rel)
		}
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", revision.ErrIsDirectory, rel)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// Size returns the byte size of a head file.
func (s *Store) Size(rel string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(s.abs(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", revision.ErrNotFound, rel)
		}
		return 0, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s", revision.ErrIsDirectory, rel)
	}
	return info.Size(), nil
}

// List builds the ordered Entry forest under rel, full depth.
//
// # Outputs
//
//   - []revision.Entry: Immediate children of rel, each directory
//     carrying its own children, directories-first case-insensitive
//     order at every level.
//   - error: revision.ErrNotFound if rel is absent, revision.ErrIsFile
//     if rel names a file.
func (s *Store) List(rel string) ([]revision.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	abs := s.abs(rel)
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", revision.ErrNotFound, rel)
		}
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", revision.ErrIsFile, rel)
	}
	return listDir(abs, rel)
}

func listDir(abs, rel string) ([]revision.Entry, error) {
	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}
	entries := make([]revision.Entry, 0, len(dirents))
	for _, d := range dirents {
		childRel := d.Name()
		if rel != "" {
			childRel = rel + "/" + d.Name()
		}
		info, err := d.Info()
		if err != nil {
			// Entry vanished mid-listing; a concurrent head is not an error.
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", childRel, err)
		}
		e := revision.Entry{
			Name:        d.Name(),
			Path:        childRel,
			IsDirectory: d.IsDir(),
			Modified:    info.ModTime().Unix(),
		}
		if d.IsDir() {
			children, err := listDir(filepath.Join(abs, d.Name()), childRel)
			if err != nil {
				return nil, err
			}
			e.Children = children
		} else {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	revision.SortEntries(entries)
	return entries, nil
}

// Write creates or overwrites a head file, creating missing parents.
//
// # Outputs
//
//   - error: revision.ErrIsDirectory if rel names an existing directory
//     (or the root); revision.ErrIsFile if a parent segment is a file.
func (s *Store) Write(rel string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rel == "" {
		return fmt.Errorf("%w: %s", revision.ErrIsDirectory, "/")
	}
	abs := s.abs(rel)
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return fmt.Errorf("%w: %s", revision.ErrIsDirectory, rel)
	}
	if err := s.ensureParents(rel); err != nil {
		return err
	}
	if err := os.WriteFile(abs, content, fileMode); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// Mkdir creates a head directory and its missing parents. Idempotent
// when the directory already exists.
//
// # Outputs
//
//   - error: revision.ErrIsFile if rel or one of its parents exists as
//     a file.
func (s *Store) Mkdir(rel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rel == "" {
		return nil
	}
	abs := s.abs(rel)
	if info, err := os.Stat(abs); err == nil {
		if info.IsDir() {
			return nil
		}
		return fmt.Errorf("%w: %s", revision.ErrIsFile, rel)
	}
	if err := os.MkdirAll(abs, dirMode); err != nil {
		if errors.Is(err, fs.ErrExist) || isNotDir(err) {
			return fmt.Errorf("%w: %s", revision.ErrIsFile, rel)
		}
		return fmt.Errorf("mkdir %s: %w", rel, err)
	}
	return nil
}

// Rename moves a file or whole subtree. Atomic from the caller's
// perspective: the tree is locked and the final step is a single
// os.Rename.
//
// # Outputs
//
//   - error: revision.ErrRootProtected when from is the root,
//     revision.ErrNotFound when from is absent, revision.ErrAlreadyExists
//     when to is occupied, revision.ErrInvalidPath when to sits beneath
//     from.
func (s *Store) Rename(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from == "" {
		return fmt.Errorf("%w: cannot rename root", revision.ErrRootProtected)
	}
	if revpath.Within(to, from) {
		return fmt.Errorf("%w: %q is inside %q", revision.ErrInvalidPath, to, from)
	}
	srcAbs := s.abs(from)
	if _, err := os.Stat(srcAbs); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", revision.ErrNotFound, from)
		}
		return fmt.Errorf("stat %s: %w", from, err)
	}
	dstAbs := s.abs(to)
	if _, err := os.Stat(dstAbs); err == nil {
		return fmt.Errorf("%w: %s", revision.ErrAlreadyExists, to)
	}
	if err := s.ensureParents(to); err != nil {
		return err
	}
	if err := os.Rename(srcAbs, dstAbs); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", from, to, err)
	}
	return nil
}

// Delete removes a head file or subtree recursively.
//
// # Outputs
//
//   - error: revision.ErrRootProtected when rel is the root,
//     revision.ErrNotFound when absent.
func (s *Store) Delete(rel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rel == "" {
		return fmt.Errorf("%w: cannot delete root", revision.ErrRootProtected)
	}
	abs := s.abs(rel)
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", revision.ErrNotFound, rel)
		}
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	return nil
}

// ensureParents creates the directory chain above rel. Must be called
// with mu held for writing.
func (s *Store) ensureParents(rel string) error {
	parent := revpath.Parent(rel)
	if parent == "" {
		return nil
	}
	if err := os.MkdirAll(s.abs(parent), dirMode); err != nil {
		if isNotDir(err) {
			return fmt.Errorf("%w: %s", revision.ErrIsFile, parent)
		}
		return fmt.Errorf("mkdir %s: %w", parent, err)
	}
	return nil
}

func isNotDir(err error) bool {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return strings.Contains(pe.Err.Error(), "not a directory")
	}
	return false
}

// Frozen is an exclusive view of the head tree handed out by Freeze.
// It is only valid inside the Freeze callback.
type Frozen struct {
	s *Store
}

// Freeze runs fn while holding the writer lock exclusively.
//
// # Description
//
// New mutations block and in-flight ones drain before fn runs; this is
// the snapshot engine's hold for the walk-and-serialize phase. fn must
// not call the Store's own locked methods.
func (s *Store) Freeze(fn func(f *Frozen) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Frozen{s: s})
}

// WalkFunc observes one head entry during a frozen walk. rel is the
// normalized relative path, never "" (the root itself is not emitted).
type WalkFunc func(rel string, info os.FileInfo) error

// Walk visits every entry below the root in deterministic lexical
// order, directories before their contents.
func (f *Frozen) Walk(fn WalkFunc) error {
	root := f.s.root
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info)
	})
}

// Open opens one head file for streaming inside the frozen view.
func (f *Frozen) Open(rel string) (io.ReadCloser, error) {
	file, err := os.Open(f.s.abs(rel))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rel, err)
	}
	return file, nil
}

// Replace swaps the entire head tree for the staged directory.
//
// # Description
//
// stage must live on the same filesystem as the head root. The old tree
// is moved aside, the staged tree renamed into place, then the old tree
// removed; a failure between the two renames is repaired by moving the
// old tree back.
func (f *Frozen) Replace(stage string) error {
	root := f.s.root
	old := root + ".old"
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("clearing previous staging residue: %w", err)
	}
	if err := os.Rename(root, old); err != nil {
		return fmt.Errorf("moving head aside: %w", err)
	}
	if err := os.Rename(stage, root); err != nil {
		if restoreErr := os.Rename(old, root); restoreErr != nil {
			return fmt.Errorf("installing staged tree: %v; restoring head: %w", err, restoreErr)
		}
		return fmt.Errorf("installing staged tree: %w", err)
	}
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("removing replaced head: %w", err)
	}
	return nil
}

// Stats summarizes the head tree for readiness and snapshot metadata.
type Stats struct {
	Files int64
	Dirs  int64
	Bytes int64
}

// Stats walks the head tree under a read lock and counts entries.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == s.root {
			return nil
		}
		if d.IsDir() {
			st.Dirs++
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		st.Files++
		st.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("walking head tree: %w", err)
	}
	return st, nil
}

// Paths returns every file path under rel in no particular order,
// for search listing without building the full Entry forest.
func (s *Store) Paths(rel string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := s.abs(rel)
	info, err := os.Stat(start)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", revision.ErrNotFound, rel)
		}
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", revision.ErrIsFile, rel)
	}

	var paths []string
	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		r, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(r))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", rel, err)
	}
	sort.Strings(paths)
	return paths, nil
}
