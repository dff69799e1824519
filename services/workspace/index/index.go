// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index routes revision-scoped reads to the right backing tree.
//
// The latest id always answers from the live head; every smaller id in
// range answers from its sealed archive. Ids outside 1..latest do not
// exist. The index itself holds no state beyond its three collaborators,
// so addressing stays correct as snapshots move latest forward.
package index

import (
	"context"
	"fmt"

	"github.com/AleutianAI/Tidepool/services/workspace/archive"
	"github.com/AleutianAI/Tidepool/services/workspace/catalog"
	"github.com/AleutianAI/Tidepool/services/workspace/fstree"
	"github.com/AleutianAI/Tidepool/services/workspace/revision"
)

// Tree dispatches reads across the head and the archive set.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tree struct {
	head *fstree.Store
	arch *archive.Store
	cat  *catalog.Catalog
}

// New builds a Tree over the three stores.
func New(head *fstree.Store, arch *archive.Store, cat *catalog.Catalog) *Tree {
	return &Tree{head: head, arch: arch, cat: cat}
}

// Latest returns the id the live head currently answers to.
func (t *Tree) Latest(ctx context.Context) (revision.ID, error) {
	return t.cat.Latest(ctx)
}

// IsHead reports whether id addresses the live head.
//
// # Outputs
//
//   - bool: True when id equals latest.
//   - error: revision.ErrNotFound when id is out of range.
func (t *Tree) IsHead(ctx context.Context, id revision.ID) (bool, error) {
	latest, err := t.cat.Latest(ctx)
	if err != nil {
		return false, err
	}
	if id < revision.Origin || id > latest {
		return false, fmt.Errorf("%w: revision %d", revision.ErrNotFound, id)
	}
	return id == latest, nil
}

// Read returns the content of path at revision id.
func (t *Tree) Read(ctx context.Context, id revision.ID, rel string) ([]byte, error) {
	isHead, err := t.IsHead(ctx, id)
	if err != nil {
		return nil, err
	}
	if isHead {
		return t.head.Read(rel)
	}
	r, err := t.openSealed(id)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Read(rel)
}

// List returns the ordered Entry forest under path at revision id.
func (t *Tree) List(ctx context.Context, id revision.ID, rel string) ([]revision.Entry, error) {
	isHead, err := t.IsHead(ctx, id)
	if err != nil {
		return nil, err
	}
	if isHead {
		return t.head.List(rel)
	}
	r, err := t.openSealed(id)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.List(rel)
}

// View is a stable handle on one revision's tree, used by search to
// list and read many files against the same backing store.
type View interface {
	// Paths lists every file path under rel, sorted.
	Paths(rel string) ([]string, error)
	// Size returns the byte size of one file.
	Size(rel string) (int64, error)
	// Read returns the full content of one file.
	Read(rel string) ([]byte, error)
	// Close releases the handle.
	Close() error
}

// OpenView opens a View on revision id.
//
// The head view tracks the live tree, so a file listed may vanish
// before it is read; callers tolerate revision.ErrNotFound per file.
// Archive views are immutable.
func (t *Tree) OpenView(ctx context.Context, id revision.ID) (View, error) {
	isHead, err := t.IsHead(ctx, id)
	if err != nil {
		return nil, err
	}
	if isHead {
		return headView{s: t.head}, nil
	}
	r, err := t.openSealed(id)
	if err != nil {
		return nil, err
	}
	return archView{r: r}, nil
}

// openSealed opens the archive for an in-range non-latest id. A
// missing file here is store corruption, not a client addressing
// error, and is reported as such.
func (t *Tree) openSealed(id revision.ID) (*archive.Reader, error) {
	if !t.arch.Has(id) {
		return nil, fmt.Errorf("archive for sealed revision %d is missing", id)
	}
	return t.arch.Open(id)
}

type headView struct {
	s *fstree.Store
}

func (v headView) Paths(rel string) ([]string, error) { return v.s.Paths(rel) }

func (v headView) Size(rel string) (int64, error) { return v.s.Size(rel) }

func (v headView) Read(rel string) ([]byte, error) { return v.s.Read(rel) }

func (v headView) Close() error { return nil }

type archView struct {
	r *archive.Reader
}

func (v archView) Paths(rel string) ([]string, error) { return v.r.Paths(rel) }

func (v archView) Size(rel string) (int64, error) { return v.r.Size(rel) }

func (v archView) Read(rel string) ([]byte, error) { return v.r.Read(rel) }

func (v archView) Close() error { return v.r.Close() }
