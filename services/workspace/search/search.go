// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search scans one revision's files for a case-insensitive
// substring.
//
// A file hits on its name first; only name misses pay for a content
// read. Content candidates are capped by size, rate limited, and
// fanned out over a bounded worker pool, with results reassembled in
// path order so identical trees always answer identically.
package search

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/Tidepool/services/workspace/revision"
	"github.com/AleutianAI/Tidepool/services/workspace/revpath"
)

// Source is one revision's tree, as search needs it.
type Source interface {
	// Paths lists every file path under rel, sorted.
	Paths(rel string) ([]string, error)
	// Size returns the byte size of one file.
	Size(rel string) (int64, error)
	// Read returns the full content of one file.
	Read(rel string) ([]byte, error)
}

// Options bound the scan.
type Options struct {
	// MaxFileBytes is the content-read ceiling; larger files can still
	// hit on their name.
	MaxFileBytes int64

	// Workers is the content-read fan-out.
	Workers int

	// ReadsPerSec throttles content reads across all workers.
	// Zero or negative means unlimited.
	ReadsPerSec float64
}

// DefaultOptions returns the scan bounds used by the HTTP surface.
func DefaultOptions() Options {
	return Options{
		MaxFileBytes: 1 << 20,
		Workers:      8,
		ReadsPerSec:  512,
	}
}

// Run scans the tree under root for query.
//
// # Description
//
// The query is trimmed first; an empty remainder returns no hits
// without touching the tree. Binary files and files over the size cap
// never produce content hits. Files that vanish between listing and
// reading are skipped, the head is allowed to move under a scan.
//
// # Outputs
//
//   - []revision.SearchHit: Hits in ascending path order, at most one
//     per file.
//   - error: Listing errors propagate (revision.ErrNotFound when root
//     is absent, revision.ErrIsFile when root names a file); ctx
//     cancellation aborts the scan.
func Run(ctx context.Context, src Source, root, query string, opts Options) ([]revision.SearchHit, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return []revision.SearchHit{}, nil
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultOptions().MaxFileBytes
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}

	paths, err := src.Paths(root)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if opts.ReadsPerSec > 0 {
		limit = rate.Limit(opts.ReadsPerSec)
	}
	limiter := rate.NewLimiter(limit, opts.Workers)

	// Slot per path keeps output order independent of worker timing.
	hits := make([]*revision.SearchHit, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, path := range paths {
		g.Go(func() error {
			hit, err := scanFile(gctx, src, limiter, path, needle, opts.MaxFileBytes)
			if err != nil {
				return err
			}
			hits[i] = hit
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]revision.SearchHit, 0, len(paths))
	for _, h := range hits {
		if h != nil {
			out = append(out, *h)
		}
	}
	return out, nil
}

func scanFile(ctx context.Context, src Source, limiter *rate.Limiter, path, needle string, maxBytes int64) (*revision.SearchHit, error) {
	if strings.Contains(strings.ToLower(revpath.Base(path)), needle) {
		return &revision.SearchHit{Path: path, Matched: revision.MatchName}, nil
	}

	size, err := src.Size(path)
	if err != nil {
		if isVanished(err) {
			return nil, nil
		}
		return nil, err
	}
	if size > maxBytes {
		return nil, nil
	}

	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}
	data, err := src.Read(path)
	if err != nil {
		if isVanished(err) {
			return nil, nil
		}
		return nil, err
	}
	text, ok := revision.Classify(data)
	if !ok {
		return nil, nil
	}
	if strings.Contains(strings.ToLower(text), needle) {
		return &revision.SearchHit{Path: path, Matched: revision.MatchContent}, nil
	}
	return nil, nil
}

// isVanished reports a file that disappeared mid-scan.
func isVanished(err error) bool {
	return errors.Is(err, revision.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
