// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"github.com/AleutianAI/Tidepool/services/workspace/revision"
)

// RevisionsResponse is the response for GET /api/revisions.
type RevisionsResponse struct {
	// Latest is the id the mutable head currently answers at.
	Latest revision.ID `json:"latest"`

	// List is every addressable revision id, ascending and contiguous.
	List []revision.ID `json:"list"`
}

// ImportRequest is the request for POST /api/revisions.
type ImportRequest struct {
	// ZipB64 is the uploaded tree as a base64-encoded zip archive.
	ZipB64 string `json:"zip_b64" binding:"required"`
}

// RevisionResponse carries the id produced by a seal.
type RevisionResponse struct {
	// ID is the sealed revision id.
	ID revision.ID `json:"id"`
}

// ListQuery is the query for GET /api/fs/list.
type ListQuery struct {
	// Path is "<revision>[/<relative-path>]" of the directory to list.
	Path string `form:"path" binding:"required"`
}

// ReadQuery is the query for GET /api/fs/read.
type ReadQuery struct {
	// Path is "<revision>/<relative-path>" of the file to read.
	Path string `form:"path" binding:"required"`
}

// ReadResponse is the response for GET /api/fs/read.
type ReadResponse struct {
	// Path echoes the requested path.
	Path string `json:"path"`

	// Content is the file content. Text files carry the decoded text;
	// binary files carry base64.
	Content string `json:"content"`

	// Encoding is "utf-8" or "base64".
	Encoding string `json:"encoding"`

	// ContentType is the sniffed MIME type.
	ContentType string `json:"contentType"`
}

// RawFileQuery is the query for GET /api/revisions/file.
type RawFileQuery struct {
	// Rev is the revision id to read from.
	Rev string `form:"rev" binding:"required"`

	// Path is the file path relative to the revision root.
	Path string `form:"path" binding:"required"`
}

// WriteRequest is the request for POST /api/fs/write and /api/fs/save.
type WriteRequest struct {
	// Path is "<revision>/<relative-path>" of the file to write.
	Path string `json:"path" binding:"required"`

	// Content is the full replacement content. Empty is a valid file.
	Content string `json:"content"`
}

// MkdirRequest is the request for POST /api/fs/mkdir.
type MkdirRequest struct {
	// Path is "<revision>/<relative-path>" of the directory to create.
	Path string `json:"path" binding:"required"`
}

// RenameRequest is the request for POST /api/fs/rename.
type RenameRequest struct {
	// From is the current "<revision>/<relative-path>".
	From string `json:"from" binding:"required"`

	// To is the destination path inside the same revision.
	To string `json:"to" binding:"required"`
}

// DeleteRequest is the request for POST /api/fs/delete.
type DeleteRequest struct {
	// Path is "<revision>/<relative-path>" to remove.
	Path string `json:"path" binding:"required"`
}

// SearchQuery is the query for GET /api/fs/search.
type SearchQuery struct {
	// Path is "<revision>[/<relative-path>]" scoping the scan.
	Path string `form:"path" binding:"required"`

	// Q is the case-insensitive substring to look for.
	Q string `form:"q" binding:"required"`
}

// OKResponse acknowledges a mutation.
type OKResponse struct {
	OK bool `json:"ok"`
}

// HealthResponse is the response for GET /api/health.
type HealthResponse struct {
	// Status is "healthy" while the process serves.
	Status string `json:"status"`

	// Service is the service name.
	Service string `json:"service"`

	// Version is the service version.
	Version string `json:"version"`
}

// ReadyResponse is the response for GET /api/ready.
type ReadyResponse struct {
	// Ready is true once the store is recovered and serving.
	Ready bool `json:"ready"`

	// Latest is the current head revision id.
	Latest revision.ID `json:"latest"`

	// Revisions is the number of addressable revisions.
	Revisions int `json:"revisions"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`
}
