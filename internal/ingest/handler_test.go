package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"docflow-backend/internal/documents"
	"docflow-backend/internal/records"
	"docflow-backend/internal/shared/server/middleware"
)

func newTestRouter(f *fixture, recs records.Repo) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Auth(""))
	api := r.Group("/api/v1")
	NewHandler(f.coord, recs).RegisterRoutes(api)
	return r
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, data := range files {
		part, err := writer.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func serve(router *gin.Engine, req *http.Request, userID string) *httptest.ResponseRecorder {
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestUploadAcceptsBatchAndReportsState(t *testing.T) {
	f := newFixture(t, 2)
	router := newTestRouter(f, records.NewMemoryRepo())

	body, contentType := multipartBody(t,
		map[string]string{"enableAi": "false", "documentType": "Invoice"},
		map[string][]byte{"one.pdf": []byte("%PDF-1.7 one"), "two.png": {0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	resp := serve(router, req, "user-1")
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}

	var created struct {
		Documents []DocumentResponse `json:"documents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(created.Documents) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(created.Documents))
	}
	for _, d := range created.Documents {
		if d.State != string(documents.StateQueued) || d.EnableAI || d.DocumentType != "Invoice" {
			t.Fatalf("unexpected admitted document: %+v", d)
		}
	}
	f.drain(t)

	id := created.Documents[0].DocumentID
	get := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+id, nil), "user-1")
	if get.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.Code)
	}
	var doc DocumentResponse
	if err := json.NewDecoder(get.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.State != string(documents.StateUploaded) || doc.Progress != 100 {
		t.Fatalf("expected UPLOADED at 100, got %s at %d", doc.State, doc.Progress)
	}

	hist := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+id+"/history", nil), "user-1")
	var history struct {
		Transitions []TransitionResponse `json:"transitions"`
	}
	if err := json.NewDecoder(hist.Body).Decode(&history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n := len(history.Transitions); n < 2 || history.Transitions[n-1].To != string(documents.StateUploaded) {
		t.Fatalf("unexpected history: %+v", history.Transitions)
	}

	list := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/documents?limit=10", nil), "user-1")
	var listed struct {
		Documents []DocumentResponse `json:"documents"`
	}
	if err := json.NewDecoder(list.Body).Decode(&listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Documents) != 2 {
		t.Fatalf("expected 2 listed documents, got %d", len(listed.Documents))
	}
}

func TestUploadRequiresIdentity(t *testing.T) {
	f := newFixture(t, 1)
	router := newTestRouter(f, records.NewMemoryRepo())

	resp := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil), "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestUploadOversizedFileIs413(t *testing.T) {
	f := newFixture(t, 1)
	f.coord.MaxFileBytes = 4
	router := newTestRouter(f, records.NewMemoryRepo())

	body, contentType := multipartBody(t, nil, map[string][]byte{"big.pdf": []byte("%PDF-1.7 too large")})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	resp := serve(router, req, "user-1")
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
	docs, _ := f.repo.ListByUser(context.Background(), "user-1", 10, 0)
	if len(docs) != 0 {
		t.Fatalf("no rows may exist after rejection")
	}
}

func TestUploadWhenSaturatedIs503(t *testing.T) {
	f := newFixture(t, 1)
	held, err := f.pool.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer held.Release()
	router := newTestRouter(f, records.NewMemoryRepo())

	body, contentType := multipartBody(t, nil, map[string][]byte{"a.pdf": []byte("%PDF-1.7")})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	resp := serve(router, req, "user-1")
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestDocumentRoutesHideOtherUsersDocuments(t *testing.T) {
	f := newFixture(t, 1)
	seedDocument(t, f.repo, documents.Document{ID: "doc-1", UserID: "user-1", State: documents.StateAnalyzing})
	router := newTestRouter(f, records.NewMemoryRepo())

	for _, path := range []string{"/api/v1/documents/doc-1", "/api/v1/documents/doc-1/records"} {
		resp := serve(router, httptest.NewRequest(http.MethodGet, path, nil), "user-2")
		if resp.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.Code)
		}
	}
	resp := serve(router, httptest.NewRequest(http.MethodPost, "/api/v1/documents/doc-1/cancel", nil), "user-2")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("cancel: expected 404, got %d", resp.Code)
	}
}

func TestCancelAndRerunMapLifecycleConflicts(t *testing.T) {
	f := newFixture(t, 1)
	seedDocument(t, f.repo, documents.Document{ID: "doc-up", UserID: "user-1", State: documents.StateUploading})
	seedDocument(t, f.repo, documents.Document{ID: "doc-ai", UserID: "user-1", State: documents.StateAnalyzing, Progress: 50})
	router := newTestRouter(f, records.NewMemoryRepo())

	resp := serve(router, httptest.NewRequest(http.MethodPost, "/api/v1/documents/doc-up/cancel", nil), "user-1")
	if resp.Code != http.StatusConflict {
		t.Fatalf("cancel while uploading: expected 409, got %d", resp.Code)
	}

	resp = serve(router, httptest.NewRequest(http.MethodPost, "/api/v1/documents/doc-ai/rerun", nil), "user-1")
	if resp.Code != http.StatusConflict {
		t.Fatalf("rerun while analyzing: expected 409, got %d", resp.Code)
	}

	resp = serve(router, httptest.NewRequest(http.MethodPost, "/api/v1/documents/doc-ai/cancel", nil), "user-1")
	if resp.Code != http.StatusOK {
		t.Fatalf("cancel while analyzing: expected 200, got %d", resp.Code)
	}
	var doc DocumentResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.State != string(documents.StateCancelled) || doc.Progress != 50 {
		t.Fatalf("unexpected cancelled doc: %+v", doc)
	}
}

func TestRecordsRouteReturnsBothKinds(t *testing.T) {
	f := newFixture(t, 1)
	seedDocument(t, f.repo, documents.Document{ID: "doc-1", UserID: "user-1", State: documents.StateCompleted})
	recs := records.NewMemoryRepo()
	err := recs.ReplaceForDocument(context.Background(), "doc-1", records.Set{
		Extracted:  []records.ExtractedRecord{{ID: "r1", DocumentID: "doc-1", DocumentType: "Invoice", PageStart: 1, PageEnd: 2, Fields: json.RawMessage(`{"total":"10.00"}`)}},
		Unverified: []records.UnverifiedRecord{{ID: "r2", DocumentID: "doc-1", SuspectedType: "Packing Slip", PageStart: 3, PageEnd: 3, Fields: json.RawMessage(`{}`), ReviewStatus: records.ReviewPending}},
	})
	if err != nil {
		t.Fatalf("ReplaceForDocument: %v", err)
	}
	router := newTestRouter(f, recs)

	resp := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1/records", nil), "user-1")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var got RecordsResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Extracted) != 1 || len(got.Unverified) != 1 || got.Unverified[0].SuspectedType != "Packing Slip" {
		t.Fatalf("unexpected records: %+v", got)
	}
}
