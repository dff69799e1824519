// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive stores sealed revisions as zip files, one per id.
//
// A seal is staged into a hidden temp file, fsynced, then renamed into
// place, so a crash can never leave a half-written archive under a
// published name. Readers work straight off the zip central directory
// and need no coordination with writers: once published, an archive
// never changes.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/Tidepool/services/workspace/revision"
	"github.com/AleutianAI/Tidepool/services/workspace/revpath"
)

const (
	// Ext is the archive file extension.
	Ext = ".zip"

	tmpPrefix = ".tmp-"

	dirMode  = 0o750
	fileMode = 0o640
)

// Name returns the archive file name for a revision id, zero padded so
// directory listings sort numerically.
func Name(id revision.ID) string {
	return fmt.Sprintf("%06d%s", id, Ext)
}

// ParseName recovers the revision id from an archive file name.
func ParseName(name string) (revision.ID, bool) {
	base, ok := strings.CutSuffix(name, Ext)
	if !ok {
		return 0, false
	}
	return revision.ParseID(base)
}

// Store is the archive directory.
//
// # Thread Safety
//
// Safe for concurrent use. Writers stage under unique temp names;
// published archives are immutable.
type Store struct {
	dir string
}

// OpenStore binds a Store to the archive directory, creating it when
// absent.
func OpenStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving archive dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, dirMode); err != nil {
		return nil, fmt.Errorf("creating archive dir %s: %w", abs, err)
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute archive directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the published path for a revision id.
func (s *Store) Path(id revision.ID) string {
	return filepath.Join(s.dir, Name(id))
}

// Has reports whether the archive for id is published.
func (s *Store) Has(id revision.ID) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Sealed returns the ids of every published archive, ascending.
func (s *Store) Sealed() ([]revision.ID, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing archive dir: %w", err)
	}
	var ids []revision.ID
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		if id, ok := ParseName(d.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Sweep removes staging leftovers from interrupted seals.
func (s *Store) Sweep() (int, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("listing archive dir: %w", err)
	}
	removed := 0
	for _, d := range dirents {
		if !strings.HasPrefix(d.Name(), tmpPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, d.Name())); err != nil {
			return removed, fmt.Errorf("removing stale staging file %s: %w", d.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// Remove deletes a published archive. Only the crash-recovery path
// uses this, for an orphan that fails to open.
func (s *Store) Remove(id revision.ID) error {
	if err := os.Remove(s.Path(id)); err != nil {
		return fmt.Errorf("removing archive %s: %w", Name(id), err)
	}
	return nil
}

// Writer seals one revision into a staged zip.
//
// The zip lands under the published name only on Commit; Abort (or a
// crash) leaves nothing but a sweepable temp file.
type Writer struct {
	id   revision.ID
	file *os.File
	zw   *zip.Writer
	dst  string
	done bool
}

// Create starts staging the archive for id.
func (s *Store) Create(id revision.ID) (*Writer, error) {
	f, err := os.CreateTemp(s.dir, fmt.Sprintf("%s%06d-*", tmpPrefix, id))
	if err != nil {
		return nil, fmt.Errorf("staging archive %s: %w", Name(id), err)
	}
	return &Writer{
		id:   id,
		file: f,
		zw:   zip.NewWriter(f),
		dst:  s.Path(id),
	}, nil
}

// AddDir records a directory entry, keeping empty directories alive in
// the seal.
func (w *Writer) AddDir(rel string, mod time.Time) error {
	hdr := &zip.FileHeader{
		Name:     rel + "/",
		Method:   zip.Store,
		Modified: mod,
	}
	if _, err := w.zw.CreateHeader(hdr); err != nil {
		return fmt.Errorf("adding directory %s: %w", rel, err)
	}
	return nil
}

// AddFile streams one file into the seal.
func (w *Writer) AddFile(rel string, mod time.Time, r io.Reader) error {
	hdr := &zip.FileHeader{
		Name:     rel,
		Method:   zip.Deflate,
		Modified: mod,
	}
	dst, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("adding file %s: %w", rel, err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("copying file %s: %w", rel, err)
	}
	return nil
}

// Commit finishes the zip, forces it to disk, and publishes it under
// the final name. After Commit returns nil the archive is durable.
func (w *Writer) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.zw.Close(); err != nil {
		w.cleanup()
		return fmt.Errorf("finishing archive %s: %w", Name(w.id), err)
	}
	if err := w.file.Sync(); err != nil {
		w.cleanup()
		return fmt.Errorf("syncing archive %s: %w", Name(w.id), err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("closing archive %s: %w", Name(w.id), err)
	}
	if err := os.Rename(w.file.Name(), w.dst); err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("publishing archive %s: %w", Name(w.id), err)
	}
	return syncDir(filepath.Dir(w.dst))
}

// Abort discards the staged zip.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.cleanup()
}

func (w *Writer) cleanup() {
	w.zw.Close()
	w.file.Close()
	os.Remove(w.file.Name())
}

// syncDir makes the rename itself durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening archive dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing archive dir: %w", err)
	}
	return nil
}

// Reader serves reads out of one published archive.
//
// # Thread Safety
//
// Safe for concurrent reads once constructed.
type Reader struct {
	rc     *zip.ReadCloser
	files  map[string]*zip.File
	dirs   map[string]bool
	dirMod map[string]int64
}

// Open indexes the archive for id.
//
// # Outputs
//
//   - *Reader: Ready for Read/List/Paths. Caller must Close.
//   - error: revision.ErrNotFound when no archive is published for id.
func (s *Store) Open(id revision.ID) (*Reader, error) {
	rc, err := zip.OpenReader(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: revision %d", revision.ErrNotFound, id)
		}
		return nil, fmt.Errorf("opening archive %s: %w", Name(id), err)
	}
	r := &Reader{
		rc:     rc,
		files:  make(map[string]*zip.File),
		dirs:   map[string]bool{"": true},
		dirMod: make(map[string]int64),
	}
	for _, f := range rc.File {
		name := strings.TrimSuffix(f.Name, "/")
		rel, err := revpath.Normalize(name)
		if err != nil {
			// Foreign entry names never shadow real content.
			continue
		}
		if f.FileInfo().IsDir() {
			r.dirs[rel] = true
			r.dirMod[rel] = f.Modified.Unix()
		} else {
			r.files[rel] = f
		}
		for p := revpath.Parent(rel); p != ""; p = revpath.Parent(p) {
			r.dirs[p] = true
		}
	}
	return r, nil
}

// Close releases the underlying zip.
func (r *Reader) Close() error {
	return r.rc.Close()
}

// Read returns the full content of one archived file.
func (r *Reader) Read(rel string) ([]byte, error) {
	if r.dirs[rel] {
		return nil, fmt.Errorf("%w: %s", revision.ErrIsDirectory, rel)
	}
	f, ok := r.files[rel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", revision.ErrNotFound, rel)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening archived file %s: %w", rel, err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("reading archived file %s: %w", rel, err)
	}
	return buf.Bytes(), nil
}

// Size returns the uncompressed size of one archived file, from the
// central directory alone.
func (r *Reader) Size(rel string) (int64, error) {
	if r.dirs[rel] {
		return 0, fmt.Errorf("%w: %s", revision.ErrIsDirectory, rel)
	}
	f, ok := r.files[rel]
	if !ok {
		return 0, fmt.Errorf("%w: %s", revision.ErrNotFound, rel)
	}
	return int64(f.UncompressedSize64), nil
}

// List builds the ordered Entry forest under rel, full depth, from the
// central directory alone.
func (r *Reader) List(rel string) ([]revision.Entry, error) {
	if _, ok := r.files[rel]; ok {
		return nil, fmt.Errorf("%w: %s", revision.ErrIsFile, rel)
	}
	if !r.dirs[rel] {
		return nil, fmt.Errorf("%w: %s", revision.ErrNotFound, rel)
	}
	return r.children(rel), nil
}

func (r *Reader) children(rel string) []revision.Entry {
	entries := []revision.Entry{}
	for dir := range r.dirs {
		if dir == "" || revpath.Parent(dir) != rel {
			continue
		}
		entries = append(entries, revision.Entry{
			Name:        revpath.Base(dir),
			Path:        dir,
			IsDirectory: true,
			Modified:    r.dirModified(dir),
			Children:    r.children(dir),
		})
	}
	for path, f := range r.files {
		if revpath.Parent(path) != rel {
			continue
		}
		info := f.FileInfo()
		entries = append(entries, revision.Entry{
			Name:     revpath.Base(path),
			Path:     path,
			Modified: f.Modified.Unix(),
			Size:     info.Size(),
		})
	}
	revision.SortEntries(entries)
	return entries
}

// dirModified returns the recorded timestamp for an explicit directory
// entry, or the newest descendant timestamp for an implied one.
func (r *Reader) dirModified(rel string) int64 {
	if ts, ok := r.dirMod[rel]; ok {
		return ts
	}
	var newest int64
	for path, f := range r.files {
		if revpath.Within(path, rel) {
			if ts := f.Modified.Unix(); ts > newest {
				newest = ts
			}
		}
	}
	return newest
}

// Stats tallies the archive's central directory.
func (r *Reader) Stats() (files, dirs, bytes int64) {
	files = int64(len(r.files))
	dirs = int64(len(r.dirs)) - 1 // the root is not counted
	for _, f := range r.files {
		bytes += int64(f.UncompressedSize64)
	}
	return files, dirs, bytes
}

// Paths returns every archived file path under rel, sorted.
func (r *Reader) Paths(rel string) ([]string, error) {
	if _, ok := r.files[rel]; ok {
		return nil, fmt.Errorf("%w: %s", revision.ErrIsFile, rel)
	}
	if !r.dirs[rel] {
		return nil, fmt.Errorf("%w: %s", revision.ErrNotFound, rel)
	}
	var paths []string
	for path := range r.files {
		if rel == "" || revpath.Within(path, rel) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}
