// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot seals the live head into immutable archives.
//
// A seal happens entirely under the head's freeze: walk, serialize,
// publish, record. Publication order is what makes crashes safe; the
// zip reaches its published name before the catalog learns about it,
// so recovery only ever finds either nothing or a complete archive.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/Tidepool/services/workspace/archive"
	"github.com/AleutianAI/Tidepool/services/workspace/catalog"
	"github.com/AleutianAI/Tidepool/services/workspace/fstree"
	"github.com/AleutianAI/Tidepool/services/workspace/revision"
)

// Engine coordinates sealing between the head, the archive store and
// the catalog.
//
// # Thread Safety
//
// Safe for concurrent use; the head freeze serializes seals.
type Engine struct {
	head *fstree.Store
	arch *archive.Store
	cat  *catalog.Catalog
	log  *slog.Logger
}

// New builds an Engine. logger may be nil for silent operation.
func New(head *fstree.Store, arch *archive.Store, cat *catalog.Catalog, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{head: head, arch: arch, cat: cat, log: logger}
}

// Snapshot seals the current head content as the next revision.
//
// # Description
//
// Mutations drain before the walk starts and stay blocked until the
// seal is recorded, so the archive is an exact point-in-time copy.
// The head answers to the returned id afterwards.
//
// # Outputs
//
//   - revision.ID: The newly sealed id.
//   - error: revision.ErrSnapshotFailed on any sealing failure; the
//     head is left untouched and no partial archive is published.
func (e *Engine) Snapshot(ctx context.Context) (revision.ID, error) {
	var sealed revision.ID
	err := e.head.Freeze(func(f *fstree.Frozen) error {
		id, err := e.sealLocked(ctx, f)
		if err != nil {
			return err
		}
		sealed = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sealed, nil
}

// sealLocked walks and serializes the frozen head. Caller holds the
// freeze.
func (e *Engine) sealLocked(ctx context.Context, f *fstree.Frozen) (revision.ID, error) {
	start := time.Now()
	max, err := e.cat.MaxSealed(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: reading catalog: %v", revision.ErrSnapshotFailed, err)
	}
	id := max + 1

	w, err := e.arch.Create(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", revision.ErrSnapshotFailed, err)
	}

	var files, dirs, bytes int64
	err = f.Walk(func(rel string, info os.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			dirs++
			return w.AddDir(rel, info.ModTime())
		}
		src, err := f.Open(rel)
		if err != nil {
			return err
		}
		defer src.Close()
		if err := w.AddFile(rel, info.ModTime(), src); err != nil {
			return err
		}
		files++
		bytes += info.Size()
		return nil
	})
	if err != nil {
		w.Abort()
		return 0, fmt.Errorf("%w: %v", revision.ErrSnapshotFailed, err)
	}

	if err := w.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", revision.ErrSnapshotFailed, err)
	}

	summary := catalog.Summary{
		ID:       id,
		SealedAt: time.Now().Unix(),
		Files:    files,
		Dirs:     dirs,
		Bytes:    bytes,
		Archive:  archive.Name(id),
	}
	if err := e.cat.Commit(ctx, summary); err != nil {
		// The archive is already published; recovery adopts it on the
		// next start, so it must not be deleted here.
		return 0, fmt.Errorf("%w: recording seal %d: %v", revision.ErrSnapshotFailed, id, err)
	}

	e.log.Info("revision sealed",
		slog.Int64("revision", int64(id)),
		slog.Int64("files", files),
		slog.Int64("bytes", bytes),
		slog.Duration("elapsed", time.Since(start)))
	return id, nil
}

// Import seals the current head and installs an uploaded tree in its
// place.
//
// # Description
//
// The zip is unpacked into a staging directory next to the head before
// any lock is taken; a hostile entry name aborts with the staging area
// discarded and the workspace untouched. The seal and the swap then
// share one freeze, so no mutation can slip between them.
//
// # Outputs
//
//   - revision.ID: The id the imported tree now answers to.
//   - error: revision.ErrInvalidPath for hostile zip entries,
//     revision.ErrSnapshotFailed for sealing failures.
func (e *Engine) Import(ctx context.Context, zipData []byte) (revision.ID, error) {
	stage, err := os.MkdirTemp(filepath.Dir(e.head.Root()), ".stage-*")
	if err != nil {
		return 0, fmt.Errorf("%w: creating staging dir: %v", revision.ErrSnapshotFailed, err)
	}
	defer os.RemoveAll(stage)

	files, err := archive.Unpack(zipData, stage)
	if err != nil {
		return 0, err
	}

	var sealed revision.ID
	err = e.head.Freeze(func(f *fstree.Frozen) error {
		id, err := e.sealLocked(ctx, f)
		if err != nil {
			return err
		}
		if err := f.Replace(stage); err != nil {
			return fmt.Errorf("%w: %v", revision.ErrSnapshotFailed, err)
		}
		sealed = id
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.log.Info("tree imported",
		slog.Int64("revision", int64(sealed)),
		slog.Int("files", files))
	return sealed, nil
}

// Recover repairs the archive store after an unclean shutdown.
//
// # Description
//
// Staging residue is swept first. A published archive exactly one past
// the recorded chain is a seal that crashed between publication and
// recording: it is adopted into the catalog when it opens cleanly and
// deleted when it does not. Anything further ahead is foreign and is
// left alone, loudly.
func (e *Engine) Recover(ctx context.Context) error {
	swept, err := e.arch.Sweep()
	if err != nil {
		return fmt.Errorf("sweeping staging files: %w", err)
	}
	if swept > 0 {
		e.log.Warn("removed interrupted seal staging files", slog.Int("count", swept))
	}
	if err := e.sweepImportResidue(); err != nil {
		return err
	}

	max, err := e.cat.MaxSealed(ctx)
	if err != nil {
		return fmt.Errorf("reading catalog: %w", err)
	}
	onDisk, err := e.arch.Sealed()
	if err != nil {
		return fmt.Errorf("listing archives: %w", err)
	}

	present := make(map[revision.ID]bool, len(onDisk))
	for _, id := range onDisk {
		present[id] = true
	}
	for id := revision.Origin; id <= max; id++ {
		if !present[id] {
			e.log.Error("archive missing for recorded revision",
				slog.Int64("revision", int64(id)))
		}
	}

	for _, id := range onDisk {
		switch {
		case id <= max:
			// Recorded and present.
		case id == max+1:
			if err := e.adopt(ctx, id); err != nil {
				return err
			}
			max = id
		default:
			e.log.Error("archive beyond recorded chain, ignoring",
				slog.Int64("revision", int64(id)))
		}
	}
	return nil
}

// sweepImportResidue clears staging directories and the set-aside tree
// a crashed Import can leave next to the head.
func (e *Engine) sweepImportResidue() error {
	dataDir := filepath.Dir(e.head.Root())
	matches, err := filepath.Glob(filepath.Join(dataDir, ".stage-*"))
	if err != nil {
		return fmt.Errorf("globbing staging dirs: %w", err)
	}
	old := e.head.Root() + ".old"
	if _, err := os.Stat(old); err == nil {
		matches = append(matches, old)
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			return fmt.Errorf("removing import residue %s: %w", m, err)
		}
		e.log.Warn("removed interrupted import residue", slog.String("path", m))
	}
	return nil
}

// adopt records an orphaned archive that published before the catalog
// write, or deletes it when it is unreadable.
func (e *Engine) adopt(ctx context.Context, id revision.ID) error {
	r, err := e.arch.Open(id)
	if err != nil {
		e.log.Warn("orphaned archive is unreadable, deleting",
			slog.Int64("revision", int64(id)),
			slog.String("error", err.Error()))
		if err := e.arch.Remove(id); err != nil {
			return fmt.Errorf("deleting unreadable archive: %w", err)
		}
		return nil
	}
	files, dirs, bytes := r.Stats()
	r.Close()

	sealedAt := time.Now().Unix()
	if info, err := os.Stat(e.arch.Path(id)); err == nil {
		sealedAt = info.ModTime().Unix()
	}
	summary := catalog.Summary{
		ID:       id,
		SealedAt: sealedAt,
		Files:    files,
		Dirs:     dirs,
		Bytes:    bytes,
		Archive:  archive.Name(id),
	}
	if err := e.cat.Commit(ctx, summary); err != nil {
		return fmt.Errorf("adopting archive %d: %w", id, err)
	}
	e.log.Warn("adopted orphaned archive", slog.Int64("revision", int64(id)))
	return nil
}
