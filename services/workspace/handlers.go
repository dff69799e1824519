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
	"archive/zip"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/Tidepool/services/workspace/revision"
	"github.com/AleutianAI/Tidepool/services/workspace/simulate"
)

// ServiceVersion is the workspace service version.
const ServiceVersion = "0.1.0"

// ServiceName is reported by the health endpoint.
const ServiceName = "tidepool"

// Handlers contains the HTTP handlers for the workspace service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleHealth handles GET /api/health.
//
// Description:
//
//	Returns the health status of the service. Always returns 200 if running.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: ServiceName,
		Version: h.svc.config.Version,
	})
}

// HandleReady handles GET /api/ready.
//
// Description:
//
//	Returns readiness including the catalog check. Returns 503 with a
//	Retry-After header while the catalog cannot answer.
//
// Response:
//
//	200 OK: ReadyResponse (Ready=true)
//	503 Service Unavailable: ReadyResponse (Ready=false)
func (h *Handlers) HandleReady(c *gin.Context) {
	latest, err := h.svc.Latest(c.Request.Context())
	if err != nil {
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, ReadyResponse{Ready: false})
		return
	}
	c.JSON(http.StatusOK, ReadyResponse{
		Ready:     true,
		Latest:    latest,
		Revisions: int(latest),
	})
}

// HandleRevisions handles GET /api/revisions.
//
// Description:
//
//	Returns the latest revision id and the full addressable list.
//
// Response:
//
//	200 OK: RevisionsResponse
func (h *Handlers) HandleRevisions(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRevisions")

	resp, err := h.svc.Revisions(c.Request.Context())
	if err != nil {
		h.respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleImport handles POST /api/revisions.
//
// Description:
//
//	Seals the current head as the next revision and installs the
//	uploaded zip tree as the new head content. The response id is the
//	one the fresh head answers at.
//
// Request Body:
//
//	ImportRequest
//
// Response:
//
//	200 OK: RevisionResponse
//	400 Bad Request: Malformed base64, zip, or entry path
//	500 Internal Server Error: Sealing failure
func (h *Handlers) HandleImport(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleImport")

	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	zipData, err := base64.StdEncoding.DecodeString(req.ZipB64)
	if err != nil {
		logger.Warn("Invalid archive encoding", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "zip_b64 is not valid base64",
			Code:  "INVALID_ARCHIVE",
		})
		return
	}

	logger.Info("Importing tree", "zip_bytes", len(zipData))

	id, err := h.svc.Import(c.Request.Context(), zipData)
	if err != nil {
		h.respondError(c, logger, err)
		return
	}

	logger.Info("Tree imported", "revision", int64(id))
	c.JSON(http.StatusOK, RevisionResponse{ID: id})
}

// HandleRevisionFile handles GET /api/revisions/file.
//
// Description:
//
//	Streams one file's raw bytes with a sniffed Content-Type, for
//	direct download.
//
// Query Parameters:
//
//	rev: Revision id to read from (required)
//	path: File path relative to the revision root (required)
//
// Response:
//
//	200 OK: Raw file bytes
//	400 Bad Request: Malformed revision or path
//	404 Not Found: Revision or file absent
func (h *Handlers) HandleRevisionFile(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRevisionFile")

	var q RawFileQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		logger.Warn("Invalid query parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "rev and path query parameters are required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	data, contentType, err := h.svc.RawFile(c.Request.Context(), q.Rev, q.Path)
	if err != nil {
		h.respondError(c, logger, err)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

// HandleList handles GET /api/fs/list.
//
// Description:
//
//	Lists the ordered entries under a revision-scoped directory.
//
// Query Parameters:
//
//	path: "<revision>[/<relative-path>]" of the directory (required)
//
// Response:
//
//	200 OK: []revision.Entry
//	400 Bad Request: Malformed path or path names a file
//	404 Not Found: Revision or directory absent
func (h *Handlers) HandleList(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleList")

	var q ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		logger.Warn("Invalid query parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "path query parameter is required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	entries, err := h.svc.List(c.Request.Context(), q.Path)
	if err != nil {
		h.respondError(c, logger, err)
		return
	}
	if entries == nil {
		entries = []revision.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}

// HandleRead handles GET /api/fs/read.
//
// Description:
//
//	Returns one file with its content tagged for transport: UTF-8 text
//	as-is, binary as base64.
//
// Query Parameters:
//
//	path: "<revision>/<relative-path>" of the file (required)
//
// Response:
//
//	200 OK: ReadResponse
//	400 Bad Request: Malformed path or path names a directory
//	404 Not Found: Revision or file absent
func (h *Handlers) HandleRead(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRead")

	var q ReadQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		logger.Warn("Invalid query parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "path query parameter is required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	resp, err := h.svc.Read(c.Request.Context(), q.Path)
	if err != nil {
		h.respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleWrite handles POST /api/fs/write and its alias POST /api/fs/save.
//
// Description:
//
//	Replaces (or creates) one file in the head revision. Parent
//	directories appear as needed.
//
// Request Body:
//
//	WriteRequest
//
// Response:
//
//	200 OK: OKResponse
//	400 Bad Request: Malformed path or path names a directory
//	404 Not Found: Revision absent
//	409 Conflict: Revision is sealed
func (h *Handlers) HandleWrite(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleWrite")

	var req WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	if err := h.svc.Write(c.Request.Context(), req.Path, []byte(req.Content)); err != nil {
		h.respondError(c, logger, err)
		return
	}

	logger.Info("File written", "path", req.Path, "bytes", len(req.Content))
	c.JSON(http.StatusOK, OKResponse{OK: true})
}

// HandleMkdir handles POST /api/fs/mkdir.
//
// Description:
//
//	Creates one directory (and missing parents) in the head revision.
//
// Request Body:
//
//	MkdirRequest
//
// Response:
//
//	200 OK: OKResponse
//	400 Bad Request: Malformed path or a parent is a file
//	409 Conflict: Revision is sealed
func (h *Handlers) HandleMkdir(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleMkdir")

	var req MkdirRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	if err := h.svc.Mkdir(c.Request.Context(), req.Path); err != nil {
		h.respondError(c, logger, err)
		return
	}

	logger.Info("Directory created", "path", req.Path)
	c.JSON(http.StatusOK, OKResponse{OK: true})
}

// HandleRename handles POST /api/fs/rename.
//
// Description:
//
//	Moves a file or directory within the head revision. Source and
//	destination must name the same revision.
//
// Request Body:
//
//	RenameRequest
//
// Response:
//
//	200 OK: OKResponse
//	400 Bad Request: Malformed path, cross-revision move, or root move
//	404 Not Found: Source absent
//	409 Conflict: Revision sealed or destination occupied
func (h *Handlers) HandleRename(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRename")

	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	if err := h.svc.Rename(c.Request.Context(), req.From, req.To); err != nil {
		h.respondError(c, logger, err)
		return
	}

	logger.Info("Renamed", "from", req.From, "to", req.To)
	c.JSON(http.StatusOK, OKResponse{OK: true})
}

// HandleDelete handles POST /api/fs/delete.
//
// Description:
//
//	Removes a file or directory subtree from the head revision. The
//	revision root itself cannot be deleted.
//
// Request Body:
//
//	DeleteRequest
//
// Response:
//
//	200 OK: OKResponse
//	400 Bad Request: Malformed path or root delete
//	404 Not Found: Path absent
//	409 Conflict: Revision is sealed
func (h *Handlers) HandleDelete(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDelete")

	var req DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	if err := h.svc.Delete(c.Request.Context(), req.Path); err != nil {
		h.respondError(c, logger, err)
		return
	}

	logger.Info("Deleted", "path", req.Path)
	c.JSON(http.StatusOK, OKResponse{OK: true})
}

// HandleSearch handles GET /api/fs/search.
//
// Description:
//
//	Scans a revision subtree for a case-insensitive substring across
//	names and text content, one hit per file.
//
// Query Parameters:
//
//	path: "<revision>[/<relative-path>]" scoping the scan (required)
//	q: Substring to look for (required)
//
// Response:
//
//	200 OK: []revision.SearchHit
//	400 Bad Request: Malformed path
//	404 Not Found: Revision or scope absent
func (h *Handlers) HandleSearch(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSearch")

	var q SearchQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		logger.Warn("Invalid query parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "path and q query parameters are required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	hits, err := h.svc.Search(c.Request.Context(), q.Path, q.Q)
	if err != nil {
		h.respondError(c, logger, err)
		return
	}
	if hits == nil {
		hits = []revision.SearchHit{}
	}

	logger.Info("Search finished", "path", q.Path, "hits", len(hits))
	c.JSON(http.StatusOK, hits)
}

// HandleSnapshot handles POST /api/fs/snapshot.
//
// Description:
//
//	Seals the current head content as the next revision id. The head
//	answers at the returned id afterward.
//
// Response:
//
//	200 OK: RevisionResponse
//	500 Internal Server Error: Sealing failure, workspace unchanged
func (h *Handlers) HandleSnapshot(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSnapshot")

	id, err := h.svc.Snapshot(c.Request.Context())
	if err != nil {
		h.respondError(c, logger, err)
		return
	}

	logger.Info("Revision sealed", "revision", int64(id))
	c.JSON(http.StatusOK, RevisionResponse{ID: id})
}

// HandleSimulate handles POST /api/simulate.
//
// Description:
//
//	Relays the request body to the configured rules engine untouched
//	and returns the engine's response with its original status and
//	content type.
//
// Response:
//
//	Engine status and body on success
//	502 Bad Gateway: Engine unreachable or timed out
//	503 Service Unavailable: No engine configured
func (h *Handlers) HandleSimulate(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSimulate")

	body, err := c.GetRawData()
	if err != nil {
		logger.Warn("Unreadable request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Unreadable request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	result, err := h.svc.Simulate(c.Request.Context(), c.ContentType(), body)
	if err != nil {
		h.respondError(c, logger, err)
		return
	}

	contentType := result.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(result.Status, contentType, result.Body)
}

// respondError maps a service error onto the HTTP surface.
func (h *Handlers) respondError(c *gin.Context, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"

	switch {
	case errors.Is(err, revision.ErrInvalidPath):
		status, code = http.StatusBadRequest, "INVALID_PATH"
	case errors.Is(err, revision.ErrRootProtected):
		status, code = http.StatusBadRequest, "ROOT_PROTECTED"
	case errors.Is(err, revision.ErrImmutableRevision):
		status, code = http.StatusConflict, "IMMUTABLE_REVISION"
	case errors.Is(err, revision.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, revision.ErrAlreadyExists):
		status, code = http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, revision.ErrIsDirectory):
		status, code = http.StatusBadRequest, "IS_DIRECTORY"
	case errors.Is(err, revision.ErrIsFile):
		status, code = http.StatusBadRequest, "IS_FILE"
	case errors.Is(err, revision.ErrSnapshotFailed):
		status, code = http.StatusInternalServerError, "SNAPSHOT_FAILED"
	case errors.Is(err, zip.ErrFormat):
		status, code = http.StatusBadRequest, "INVALID_ARCHIVE"
	case errors.Is(err, simulate.ErrUnavailable):
		status, code = http.StatusBadGateway, "SIMULATOR_UNAVAILABLE"
	case errors.Is(err, ErrSimulateNotConfigured):
		status, code = http.StatusServiceUnavailable, "SIMULATOR_NOT_CONFIGURED"
	}

	if m := h.svc.metrics; m != nil {
		m.ErrorsTotal.Add(c.Request.Context(), 1,
			metric.WithAttributes(attribute.String("code", code)))
	}
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err, "code", code)
	} else {
		logger.Warn("Request rejected", "error", err, "code", code)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// getOrCreateRequestID returns the X-Request-ID header value, creating
// one when the client sent none, and echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
