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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/Tidepool/services/workspace/events"
	"github.com/AleutianAI/Tidepool/services/workspace/revision"
)

func init() {
	// Set Gin to test mode to reduce noise
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	svc := newTestService(t)
	router := gin.New()
	handlers := NewHandlers(svc)
	api := router.Group("/api")
	RegisterRoutes(api, handlers)
	return router, svc
}

func postJSON(t *testing.T, router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req, _ := http.NewRequest("POST", path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, _ := http.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var errResp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("failed to unmarshal error response: %v", err)
	}
	return errResp
}

func TestHandlers_HandleHealth(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := get(t, router, "/api/health")

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", resp.Status)
	}

	if resp.Service != ServiceName {
		t.Errorf("expected service %q, got %q", ServiceName, resp.Service)
	}
}

func TestHandlers_HandleReady(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := get(t, router, "/api/ready")

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp ReadyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if !resp.Ready {
		t.Error("expected Ready=true")
	}

	if resp.Latest != revision.Origin {
		t.Errorf("expected latest %d, got %d", revision.Origin, resp.Latest)
	}
}

func TestHandlers_HandleRevisions_FreshWorkspace(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := get(t, router, "/api/revisions")

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp RevisionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Latest != revision.Origin {
		t.Errorf("expected latest %d, got %d", revision.Origin, resp.Latest)
	}

	if len(resp.List) != 1 || resp.List[0] != revision.Origin {
		t.Errorf("expected list [1], got %v", resp.List)
	}
}

func TestHandlers_WriteReadRoundtrip(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := postJSON(t, router, "/api/fs/write",
		`{"path": "1/notes/plan.md", "content": "decision graph v2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("write: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	w = get(t, router, "/api/fs/read?path=1/notes/plan.md")
	if w.Code != http.StatusOK {
		t.Fatalf("read: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp ReadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Content != "decision graph v2" {
		t.Errorf("expected content 'decision graph v2', got %q", resp.Content)
	}

	if resp.Encoding != "utf-8" {
		t.Errorf("expected encoding 'utf-8', got %q", resp.Encoding)
	}

	if !strings.HasPrefix(resp.ContentType, "text/plain") {
		t.Errorf("expected text/plain content type, got %q", resp.ContentType)
	}
}

func TestHandlers_HandleWrite_InvalidRequest(t *testing.T) {
	router, _ := setupTestRouter(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "empty body",
			body:       "{}",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "path without revision",
			body:       `{"path": "../etc/passwd", "content": "x"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_PATH",
		},
		{
			name:       "revision root",
			body:       `{"path": "1", "content": "x"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "IS_DIRECTORY",
		},
		{
			name:       "unknown revision",
			body:       `{"path": "5/file.txt", "content": "x"}`,
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, router, "/api/fs/write", tt.body)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}

			if errResp := decodeError(t, w); errResp.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, errResp.Code)
			}
		})
	}
}

func TestHandlers_RootProtected(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := postJSON(t, router, "/api/fs/delete", `{"path": "1"}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	if errResp := decodeError(t, w); errResp.Code != "ROOT_PROTECTED" {
		t.Errorf("expected code 'ROOT_PROTECTED', got %q", errResp.Code)
	}
}

func TestHandlers_SealedRevisionRejectsMutations(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := postJSON(t, router, "/api/fs/write", `{"path": "1/graph.json", "content": "{}"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("write: got %d: %s", w.Code, w.Body.String())
	}

	// Two snapshots: the first seals revision 1's content while the head
	// still answers at 1, the second moves the head to 2.
	for i := 0; i < 2; i++ {
		w = postJSON(t, router, "/api/fs/snapshot", "")
		if w.Code != http.StatusOK {
			t.Fatalf("snapshot %d: got %d: %s", i+1, w.Code, w.Body.String())
		}
	}

	tests := []struct {
		name string
		path string
		body string
	}{
		{"write", "/api/fs/write", `{"path": "1/graph.json", "content": "edit"}`},
		{"mkdir", "/api/fs/mkdir", `{"path": "1/newdir"}`},
		{"rename", "/api/fs/rename", `{"from": "1/graph.json", "to": "1/renamed.json"}`},
		{"delete", "/api/fs/delete", `{"path": "1/graph.json"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, router, tt.path, tt.body)

			if w.Code != http.StatusConflict {
				t.Errorf("expected status %d, got %d", http.StatusConflict, w.Code)
			}

			if errResp := decodeError(t, w); errResp.Code != "IMMUTABLE_REVISION" {
				t.Errorf("expected code 'IMMUTABLE_REVISION', got %q", errResp.Code)
			}
		})
	}

	// The sealed revision still serves reads.
	w = get(t, router, "/api/fs/read?path=1/graph.json")
	if w.Code != http.StatusOK {
		t.Errorf("sealed read: expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestHandlers_HandleList(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := postJSON(t, router, "/api/fs/write", `{"path": "1/docs/a.md", "content": "a"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("write: got %d: %s", w.Code, w.Body.String())
	}

	w = get(t, router, "/api/fs/list?path=1/docs")
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var entries []revision.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if len(entries) != 1 || entries[0].Name != "a.md" {
		t.Errorf("expected single entry 'a.md', got %v", entries)
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing directory",
			query:      "path=1/nope",
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "file path",
			query:      "path=1/docs/a.md",
			wantStatus: http.StatusBadRequest,
			wantCode:   "IS_FILE",
		},
		{
			name:       "missing path parameter",
			query:      "",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, router, "/api/fs/list?"+tt.query)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}

			if errResp := decodeError(t, w); errResp.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, errResp.Code)
			}
		})
	}
}

func TestHandlers_HandleSearch(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := postJSON(t, router, "/api/fs/write",
		`{"path": "1/docs/anchor.md", "content": "plain text"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("write: got %d: %s", w.Code, w.Body.String())
	}

	w = get(t, router, "/api/fs/search?path=1&q=anchor")
	if w.Code != http.StatusOK {
		t.Fatalf("search: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var hits []revision.SearchHit
	if err := json.Unmarshal(w.Body.Bytes(), &hits); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if len(hits) != 1 || hits[0].Path != "docs/anchor.md" || hits[0].Matched != revision.MatchName {
		t.Errorf("expected name hit on docs/anchor.md, got %v", hits)
	}

	w = get(t, router, "/api/fs/search?path=1")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	if errResp := decodeError(t, w); errResp.Code != "INVALID_REQUEST" {
		t.Errorf("expected code 'INVALID_REQUEST', got %q", errResp.Code)
	}
}

func TestHandlers_HandleSnapshot(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := postJSON(t, router, "/api/fs/snapshot", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp RevisionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.ID != 1 {
		t.Errorf("expected sealed revision 1, got %d", resp.ID)
	}
}

func TestHandlers_HandleImport(t *testing.T) {
	router, _ := setupTestRouter(t)

	zipB64 := base64.StdEncoding.EncodeToString(buildZip(t, map[string]string{
		"imported.txt": "uploaded",
	}))
	w := postJSON(t, router, "/api/revisions",
		fmt.Sprintf(`{"zip_b64": %q}`, zipB64))

	if w.Code != http.StatusOK {
		t.Fatalf("import: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp RevisionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.ID != 1 {
		t.Errorf("expected sealed revision 1, got %d", resp.ID)
	}

	w = get(t, router, "/api/fs/read?path=1/imported.txt")
	if w.Code != http.StatusOK {
		t.Errorf("read after import: expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestHandlers_HandleImport_InvalidArchive(t *testing.T) {
	router, _ := setupTestRouter(t)

	garbage := base64.StdEncoding.EncodeToString([]byte("not a zip archive"))
	slip := base64.StdEncoding.EncodeToString(buildZip(t, map[string]string{
		"../evil.txt": "escape",
	}))

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing zip_b64",
			body:       "{}",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "not base64",
			body:       `{"zip_b64": "!!!not-base64!!!"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_ARCHIVE",
		},
		{
			name:       "base64 of garbage",
			body:       fmt.Sprintf(`{"zip_b64": %q}`, garbage),
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_ARCHIVE",
		},
		{
			name:       "entry escaping the root",
			body:       fmt.Sprintf(`{"zip_b64": %q}`, slip),
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_PATH",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, router, "/api/revisions", tt.body)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}

			if errResp := decodeError(t, w); errResp.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, errResp.Code)
			}
		})
	}
}

func TestHandlers_HandleRevisionFile(t *testing.T) {
	router, svc := setupTestRouter(t)

	if err := svc.Write(context.Background(), "1/raw.txt", []byte("raw bytes")); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := get(t, router, "/api/revisions/file?rev=1&path=raw.txt")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if got := w.Body.String(); got != "raw bytes" {
		t.Errorf("expected body 'raw bytes', got %q", got)
	}

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain content type, got %q", ct)
	}

	w = get(t, router, "/api/revisions/file?rev=1&path=missing.txt")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}

	w = get(t, router, "/api/revisions/file?rev=abc&path=raw.txt")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandlers_HandleSimulate_NotConfigured(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := postJSON(t, router, "/api/simulate", `{"graph": {}}`)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	if errResp := decodeError(t, w); errResp.Code != "SIMULATOR_NOT_CONFIGURED" {
		t.Errorf("expected code 'SIMULATOR_NOT_CONFIGURED', got %q", errResp.Code)
	}
}

func TestHandlers_HandleSimulate_RelaysStatusAndBody(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{"verdict":"rejected"}`))
	}))
	t.Cleanup(engine.Close)

	cfg := testConfig(t)
	cfg.SimulateURL = engine.URL
	svc, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	router := gin.New()
	api := router.Group("/api")
	RegisterRoutes(api, NewHandlers(svc))

	w := postJSON(t, router, "/api/simulate", `{"graph": {}}`)

	if w.Code != http.StatusTeapot {
		t.Errorf("expected status %d, got %d", http.StatusTeapot, w.Code)
	}

	if got := w.Body.String(); got != `{"verdict":"rejected"}` {
		t.Errorf("expected relayed body, got %q", got)
	}
}

func TestHandlers_RequestIDEcho(t *testing.T) {
	router, _ := setupTestRouter(t)

	req, _ := http.NewRequest("GET", "/api/revisions", nil)
	req.Header.Set("X-Request-ID", "test-id-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "test-id-123" {
		t.Errorf("expected request id echoed, got %q", got)
	}

	w = get(t, router, "/api/revisions")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id on the response")
	}
}

func TestHandlers_SaveAlias(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := postJSON(t, router, "/api/fs/save", `{"path": "1/legacy.txt", "content": "via save"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("save: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	w = get(t, router, "/api/fs/read?path=1/legacy.txt")
	if w.Code != http.StatusOK {
		t.Fatalf("read: expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp ReadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Content != "via save" {
		t.Errorf("expected content 'via save', got %q", resp.Content)
	}
}

func TestHandlers_HandleEvents_ReplayAndLive(t *testing.T) {
	router, svc := setupTestRouter(t)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	// A mutation before the client connects lands in the replay window.
	if err := svc.Write(context.Background(), "1/pre.txt", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/fs/events"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var e events.Event
	if err := ws.ReadJSON(&e); err != nil {
		t.Fatalf("read replayed event: %v", err)
	}
	if e.Op != events.OpWrite || e.Path != "pre.txt" {
		t.Errorf("expected replayed write of pre.txt, got %+v", e)
	}

	if err := svc.Write(context.Background(), "1/live.txt", []byte("y")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := ws.ReadJSON(&e); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	if e.Op != events.OpWrite || e.Path != "live.txt" {
		t.Errorf("expected live write of live.txt, got %+v", e)
	}
	if e.Seq != 2 {
		t.Errorf("expected sequence 2, got %d", e.Seq)
	}
}
