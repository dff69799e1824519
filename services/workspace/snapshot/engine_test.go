// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Tidepool/services/workspace/archive"
	"github.com/AleutianAI/Tidepool/services/workspace/catalog"
	"github.com/AleutianAI/Tidepool/services/workspace/fstree"
	"github.com/AleutianAI/Tidepool/services/workspace/revision"
	storage "github.com/AleutianAI/Tidepool/services/workspace/storage/badger"
)

type fixture struct {
	engine *Engine
	head   *fstree.Store
	arch   *archive.Store
	cat    *catalog.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	head, err := fstree.Open(filepath.Join(dir, "head"))
	require.NoError(t, err)
	arch, err := archive.OpenStore(filepath.Join(dir, "archives"))
	require.NoError(t, err)
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cat := catalog.New(db)

	return &fixture{
		engine: New(head, arch, cat, nil),
		head:   head,
		arch:   arch,
		cat:    cat,
	}
}

func (f *fixture) archived(t *testing.T, id revision.ID, rel string) []byte {
	t.Helper()
	r, err := f.arch.Open(id)
	require.NoError(t, err)
	defer r.Close()
	data, err := r.Read(rel)
	require.NoError(t, err)
	return data
}

func TestSnapshotSealsPointInTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.head.Write("notes/a.txt", []byte("first")))

	id, err := f.engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, revision.ID(1), id)

	// Head edits after the seal never reach the archive.
	require.NoError(t, f.head.Write("notes/a.txt", []byte("drifted")))
	assert.Equal(t, []byte("first"), f.archived(t, 1, "notes/a.txt"))

	latest, err := f.cat.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, revision.ID(1), latest)

	s, err := f.cat.Summary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Files)
	assert.Equal(t, int64(1), s.Dirs)
	assert.Equal(t, int64(5), s.Bytes)
	assert.Equal(t, "000001.zip", s.Archive)
	assert.Greater(t, s.SealedAt, int64(0))
}

func TestSnapshotSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for want := revision.ID(1); want <= 3; want++ {
		require.NoError(t, f.head.Write("counter.txt", []byte(want.String())))
		id, err := f.engine.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	assert.Equal(t, []byte("1"), f.archived(t, 1, "counter.txt"))
	assert.Equal(t, []byte("2"), f.archived(t, 2, "counter.txt"))
	assert.Equal(t, []byte("3"), f.archived(t, 3, "counter.txt"))
}

func TestSnapshotEmptyHead(t *testing.T) {
	f := newFixture(t)

	id, err := f.engine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, revision.ID(1), id)

	r, err := f.arch.Open(1)
	require.NoError(t, err)
	defer r.Close()
	files, dirs, bytes := r.Stats()
	assert.Zero(t, files)
	assert.Zero(t, dirs)
	assert.Zero(t, bytes)
}

func TestSnapshotKeepsEmptyDirs(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.head.Mkdir("empty/nested"))

	_, err := f.engine.Snapshot(context.Background())
	require.NoError(t, err)

	r, err := f.arch.Open(1)
	require.NoError(t, err)
	defer r.Close()
	entries, err := r.List("empty")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "nested", entries[0].Name)
	assert.True(t, entries[0].IsDirectory)
}

func TestSnapshotCancelled(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.head.Write("a.txt", []byte("x")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Snapshot(ctx)
	assert.ErrorIs(t, err, revision.ErrSnapshotFailed)
	assert.False(t, f.arch.Has(1))
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

func TestImportReplacesHeadAndSealsPrior(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.head.Write("before.txt", []byte("pre-import")))

	id, err := f.engine.Import(ctx, buildZip(t, map[string]string{
		"imported/tree.txt": "payload",
	}))
	require.NoError(t, err)
	assert.Equal(t, revision.ID(1), id)

	// The head now holds the imported tree.
	got, err := f.head.Read("imported/tree.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
	_, err = f.head.Read("before.txt")
	assert.ErrorIs(t, err, revision.ErrNotFound)

	// The prior head survives in the seal.
	assert.Equal(t, []byte("pre-import"), f.archived(t, 1, "before.txt"))
}

func TestImportHostileZipLeavesWorkspaceUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.head.Write("keep.txt", []byte("safe")))

	_, err := f.engine.Import(ctx, buildZip(t, map[string]string{
		"../breakout.txt": "evil",
	}))
	assert.ErrorIs(t, err, revision.ErrInvalidPath)

	got, err := f.head.Read("keep.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("safe"), got)
	assert.False(t, f.arch.Has(1))

	max, err := f.cat.MaxSealed(ctx)
	require.NoError(t, err)
	assert.Equal(t, revision.ID(0), max)
}

func TestImportGarbagePayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Import(context.Background(), []byte("definitely not a zip"))
	assert.Error(t, err)
}

func TestRecoverAdoptsOrphan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.head.Write("a.txt", []byte("one")))
	_, err := f.engine.Snapshot(ctx)
	require.NoError(t, err)

	// Simulate a crash after publication but before the catalog write:
	// archive 2 exists on disk with no record.
	w, err := f.arch.Create(2)
	require.NoError(t, err)
	require.NoError(t, w.AddFile("a.txt", time.Unix(1700000000, 0), strings.NewReader("two")))
	require.NoError(t, w.Commit())

	require.NoError(t, f.engine.Recover(ctx))

	max, err := f.cat.MaxSealed(ctx)
	require.NoError(t, err)
	assert.Equal(t, revision.ID(2), max)

	s, err := f.cat.Summary(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Files)
	assert.Equal(t, int64(3), s.Bytes)
}

func TestRecoverDeletesUnreadableOrphan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.head.Write("a.txt", []byte("one")))
	_, err := f.engine.Snapshot(ctx)
	require.NoError(t, err)

	// A torn write that still made it to the published name.
	garbage := f.arch.Path(2)
	require.NoError(t, os.WriteFile(garbage, []byte("not a zip"), 0o640))

	require.NoError(t, f.engine.Recover(ctx))

	assert.False(t, f.arch.Has(2))
	max, err := f.cat.MaxSealed(ctx)
	require.NoError(t, err)
	assert.Equal(t, revision.ID(1), max)
}

func TestRecoverSweepsResidue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seal staging residue, import staging residue, set-aside head.
	require.NoError(t, os.WriteFile(filepath.Join(f.arch.Dir(), ".tmp-000001-x"), []byte("p"), 0o640))
	dataDir := filepath.Dir(f.head.Root())
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, ".stage-abc"), 0o750))
	require.NoError(t, os.MkdirAll(f.head.Root()+".old", 0o750))

	require.NoError(t, f.engine.Recover(ctx))

	_, err := os.Stat(filepath.Join(f.arch.Dir(), ".tmp-000001-x"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dataDir, ".stage-abc"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.head.Root() + ".old")
	assert.True(t, os.IsNotExist(err))
}

func TestRecoverIgnoresForeignArchives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.head.Write("a.txt", []byte("one")))
	_, err := f.engine.Snapshot(ctx)
	require.NoError(t, err)

	// An id far beyond the chain cannot be a crashed seal.
	w, err := f.arch.Create(9)
	require.NoError(t, err)
	require.NoError(t, w.AddFile("x.txt", time.Unix(1700000000, 0), strings.NewReader("x")))
	require.NoError(t, w.Commit())

	require.NoError(t, f.engine.Recover(ctx))

	max, err := f.cat.MaxSealed(ctx)
	require.NoError(t, err)
	assert.Equal(t, revision.ID(1), max)
	assert.True(t, f.arch.Has(9))
}
