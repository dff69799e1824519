// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Tidepool/services/workspace/revision"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "archives"))
	require.NoError(t, err)
	return s
}

// sealFixture publishes an archive for id with a small known tree.
func sealFixture(t *testing.T, s *Store, id revision.ID) {
	t.Helper()
	w, err := s.Create(id)
	require.NoError(t, err)
	mod := time.Unix(1700000000, 0)
	require.NoError(t, w.AddDir("docs", mod))
	require.NoError(t, w.AddDir("docs/empty", mod))
	require.NoError(t, w.AddFile("docs/guide.md", mod, strings.NewReader("# Guide")))
	require.NoError(t, w.AddFile("readme.md", mod, strings.NewReader("hello")))
	require.NoError(t, w.Commit())
}

func TestNameRoundtrip(t *testing.T) {
	assert.Equal(t, "000001.zip", Name(1))
	assert.Equal(t, "000042.zip", Name(42))

	id, ok := ParseName("000042.zip")
	assert.True(t, ok)
	assert.Equal(t, revision.ID(42), id)

	_, ok = ParseName("000042.tar")
	assert.False(t, ok)
	_, ok = ParseName("junk.zip")
	assert.False(t, ok)
}

func TestSealAndRead(t *testing.T) {
	s := newTestStore(t)
	sealFixture(t, s, 1)

	assert.True(t, s.Has(1))
	assert.False(t, s.Has(2))

	r, err := s.Open(1)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Read("docs/guide.md")
	require.NoError(t, err)
	assert.Equal(t, []byte("# Guide"), got)

	_, err = r.Read("missing.txt")
	assert.ErrorIs(t, err, revision.ErrNotFound)
	_, err = r.Read("docs")
	assert.ErrorIs(t, err, revision.ErrIsDirectory)
}

func TestOpenMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Open(9)
	assert.ErrorIs(t, err, revision.ErrNotFound)
}

func TestListFromCentralDirectory(t *testing.T) {
	s := newTestStore(t)
	sealFixture(t, s, 1)

	r, err := s.Open(1)
	require.NoError(t, err)
	defer r.Close()

	entries, err := r.List("")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "docs", entries[0].Name)
	assert.True(t, entries[0].IsDirectory)
	require.Len(t, entries[0].Children, 2)
	assert.Equal(t, "empty", entries[0].Children[0].Name)
	assert.True(t, entries[0].Children[0].IsDirectory)
	assert.Empty(t, entries[0].Children[0].Children)
	assert.Equal(t, "docs/guide.md", entries[0].Children[1].Path)
	assert.Equal(t, int64(7), entries[0].Children[1].Size)

	assert.Equal(t, "readme.md", entries[1].Name)
	assert.Equal(t, int64(1700000000), entries[1].Modified)

	_, err = r.List("readme.md")
	assert.ErrorIs(t, err, revision.ErrIsFile)
	_, err = r.List("nope")
	assert.ErrorIs(t, err, revision.ErrNotFound)
}

func TestPathsSorted(t *testing.T) {
	s := newTestStore(t)
	sealFixture(t, s, 1)

	r, err := s.Open(1)
	require.NoError(t, err)
	defer r.Close()

	paths, err := r.Paths("")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/guide.md", "readme.md"}, paths)

	paths, err = r.Paths("docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/guide.md"}, paths)
}

func TestAbortLeavesNothingPublished(t *testing.T) {
	s := newTestStore(t)

	w, err := s.Create(1)
	require.NoError(t, err)
	require.NoError(t, w.AddFile("a.txt", time.Now(), strings.NewReader("x")))
	w.Abort()

	assert.False(t, s.Has(1))

	// Staging residue is sweepable.
	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, removed) // Abort already removed its own file

	sealFixture(t, s, 1)
	assert.True(t, s.Has(1))
}

func TestSweepRemovesCrashResidue(t *testing.T) {
	s := newTestStore(t)

	// Simulate a crash mid-stage: temp file left behind, never renamed.
	stale := filepath.Join(s.Dir(), tmpPrefix+"000003-crash")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o640))

	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSealedIDs(t *testing.T) {
	s := newTestStore(t)
	sealFixture(t, s, 1)
	sealFixture(t, s, 2)

	ids, err := s.Sealed()
	require.NoError(t, err)
	assert.Equal(t, []revision.ID{1, 2}, ids)

	require.NoError(t, s.Remove(2))
	ids, err = s.Sealed()
	require.NoError(t, err)
	assert.Equal(t, []revision.ID{1}, ids)
}

func buildZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestUnpack(t *testing.T) {
	dst := t.TempDir()
	data := buildZip(t, map[string]string{
		"notes/a.txt": "alpha",
		"top.txt":     "top",
	})

	n, err := Unpack(data, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := os.ReadFile(filepath.Join(dst, "notes", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), got)
}

func TestUnpackRejectsTraversal(t *testing.T) {
	dst := t.TempDir()
	data := buildZip(t, map[string]string{
		"../escape.txt": "evil",
	})

	_, err := Unpack(data, dst)
	assert.ErrorIs(t, err, revision.ErrInvalidPath)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(dst), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnpackRejectsGarbage(t *testing.T) {
	_, err := Unpack([]byte("not a zip"), t.TempDir())
	assert.Error(t, err)
}
