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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/AleutianAI/Tidepool/services/workspace/revpath"
)

// Unpack extracts an uploaded zip into the staging directory dst.
//
// # Description
//
// Every entry name passes through the same path rules as the HTTP
// surface, so traversal tricks ("../", absolute names, backslash
// escapes) are rejected before anything touches disk. Symlink entries
// are refused outright.
//
// # Outputs
//
//   - int: Number of files extracted.
//   - error: revision.ErrInvalidPath for a hostile entry name; I/O
//     errors wrapped. dst may hold partial content on error, the
//     caller discards it.
func Unpack(data []byte, dst string) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("reading uploaded zip: %w", err)
	}

	files := 0
	for _, f := range zr.File {
		rel, err := revpath.Normalize(f.Name)
		if err != nil {
			return files, fmt.Errorf("zip entry %q: %w", f.Name, err)
		}
		if rel == "" {
			continue
		}
		mode := f.FileInfo().Mode()
		if mode&os.ModeSymlink != 0 {
			return files, fmt.Errorf("zip entry %q: symlinks not allowed", f.Name)
		}
		abs := filepath.Join(dst, filepath.FromSlash(rel))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(abs, dirMode); err != nil {
				return files, fmt.Errorf("creating directory %s: %w", rel, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(abs), dirMode); err != nil {
			return files, fmt.Errorf("creating parent of %s: %w", rel, err)
		}
		if err := extractFile(f, abs); err != nil {
			return files, fmt.Errorf("extracting %s: %w", rel, err)
		}
		files++
	}
	return files, nil
}

func extractFile(f *zip.File, abs string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
