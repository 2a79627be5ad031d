package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zigtools/bamboo/internal/bundle"
	"github.com/zigtools/bamboo/internal/database"
	"github.com/zigtools/bamboo/internal/jobs"
	"github.com/zigtools/bamboo/internal/models"
	"github.com/zigtools/bamboo/internal/service"
	"github.com/zigtools/bamboo/internal/storage"
)

const testAdminToken = "test-admin-token"

const testCrashLog = "fuzzer output\npanic: integer overflow\n" +
	"/home/runner/work/zls/zls/src/analysis.zig:42:17: 0x1040 in resolveType\n" +
	"    return child.type;\n" +
	"remaining frames\n"

func newTestServer(t *testing.T) (*Server, database.DB) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewCrashService(db, store, logger)
	queue := jobs.NewQueue(db, jobs.QueueOptions{})
	srv := NewServer(db, svc, queue, ServerOptions{
		AdminToken: testAdminToken,
		Logger:     logger,
		Metrics:    newHTTPMetrics(prometheus.NewRegistry()),
	})
	return srv, db
}

func deflated(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(data)); err != nil {
		t.Fatal(err)
	}
	if err := fw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testBundle(t *testing.T, ts time.Time, stderrText string) []byte {
	t.Helper()
	raw, err := bundle.Encode(ts, "0.14.0", "0.14.0-dev",
		deflated(t, "stdin"), deflated(t, "stdout"),
		[]byte("const x = 1;\n"), deflated(t, stderrText))
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func uploadRequest(t *testing.T, bundles map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, field := range []struct{ name, value string }{
		{"owner", "zigtools"}, {"repo", "zls"}, {"branch", "master"}, {"commit", "abc123"},
	} {
		if err := mw.WriteField(field.name, field.value); err != nil {
			t.Fatal(err)
		}
	}
	for name, raw := range bundles {
		fw, err := mw.CreateFormFile("bundle", name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(raw); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func doJSON[T any](t *testing.T, srv *Server, req *http.Request, wantStatus int) T {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != wantStatus {
		t.Fatalf("%s %s: status = %d, want %d; body: %s",
			req.Method, req.URL.Path, rec.Code, wantStatus, rec.Body.String())
	}
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestUploadBrowseDownloadDelete(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := time.Now().UTC().Truncate(time.Millisecond)

	// Upload two bundles, one of them malformed.
	good := testBundle(t, ts, testCrashLog)
	resp := doJSON[uploadResponse](t, srv, uploadRequest(t, map[string][]byte{
		"crash1.bin": good,
		"broken.bin": good[:10],
	}), http.StatusOK)
	if resp.Ingested != 1 || resp.Skipped != 1 {
		t.Fatalf("upload response = %+v, want 1 ingested / 1 skipped", resp)
	}

	// Walk the hierarchy down to the entry.
	repos := doJSON[[]models.Repository](t, srv,
		httptest.NewRequest(http.MethodGet, "/api/v1/repositories", nil), http.StatusOK)
	if len(repos) != 1 {
		t.Fatalf("repositories = %+v", repos)
	}
	branches := doJSON[[]models.Branch](t, srv,
		httptest.NewRequest(http.MethodGet, "/api/v1/repositories/"+repos[0].ID+"/branches", nil), http.StatusOK)
	if len(branches) != 1 {
		t.Fatalf("branches = %+v", branches)
	}
	commits := doJSON[[]models.Commit](t, srv,
		httptest.NewRequest(http.MethodGet, "/api/v1/branches/"+branches[0].ID+"/commits", nil), http.StatusOK)
	if len(commits) != 1 {
		t.Fatalf("commits = %+v", commits)
	}
	entries := doJSON[[]models.Entry](t, srv,
		httptest.NewRequest(http.MethodGet, "/api/v1/commits/"+commits[0].ID+"/entries", nil), http.StatusOK)
	if len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	entry := entries[0]

	// The crash landed in a group whose summary names the crash site.
	groups := doJSON[[]models.Group](t, srv,
		httptest.NewRequest(http.MethodGet, "/api/v1/groups", nil), http.StatusOK)
	if len(groups) != 1 {
		t.Fatalf("groups = %+v", groups)
	}
	group := doJSON[groupResponse](t, srv,
		httptest.NewRequest(http.MethodGet, "/api/v1/groups/"+groups[0].ID, nil), http.StatusOK)
	if len(group.Entries) != 1 || group.Entries[0].ID != entry.ID {
		t.Fatalf("group members = %+v", group.Entries)
	}
	if group.Summary != "In zls/src/analysis.zig:42:17; `return child.type;`" {
		t.Errorf("summary = %q", group.Summary)
	}

	// Archive download.
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/entry/"+entry.ID+".zip", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("zip download status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("content type = %q", ct)
	}
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if len(zr.File) != 5 {
		t.Errorf("archive has %d files, want 5", len(zr.File))
	}

	// Raw file with deflate passthrough.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/entry/"+entry.ID+"/stderr.log", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("raw file status = %d", rec.Code)
	}
	if enc := rec.Header().Get("Content-Encoding"); enc != "deflate" {
		t.Errorf("stderr.log Content-Encoding = %q", enc)
	}
	inflated, err := io.ReadAll(flate.NewReader(rec.Body))
	if err != nil {
		t.Fatal(err)
	}
	if string(inflated) != testCrashLog {
		t.Errorf("stderr.log = %q", inflated)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/entry/"+entry.ID+"/principal.zig", nil))
	if enc := rec.Header().Get("Content-Encoding"); enc != "" {
		t.Errorf("principal.zig Content-Encoding = %q", enc)
	}
	if rec.Body.String() != "const x = 1;\n" {
		t.Errorf("principal.zig = %q", rec.Body.String())
	}

	// Admin deletion.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/entries/"+entry.ID+"/delete", nil)
	req.Header.Set("X-Admin-Token", testAdminToken)
	doJSON[map[string]string](t, srv, req, http.StatusOK)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/repositories", nil))
	var left []models.Repository
	if err := json.Unmarshal(rec.Body.Bytes(), &left); err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("repositories after delete = %+v", left)
	}
}

func TestAdminGuards(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/regroup", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/regroup", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/regroup", nil)
	req.Header.Set("X-Admin-Token", testAdminToken)
	out := doJSON[map[string]int](t, srv, req, http.StatusOK)
	if out["queued"] != 0 {
		t.Errorf("queued = %d, want 0", out["queued"])
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.adminToken = ""

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/regroup", nil)
	req.Header.Set("X-Admin-Token", "anything")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestDownloadUnknownEntry(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{
		"/entry/deadbeef.zip",
		"/entry/deadbeef.tar.gz",
		"/entry/deadbeef/stderr.log",
		"/entry/deadbeef.rar",
	} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rec.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestUploadRejectsInvalidRefs(t *testing.T) {
	srv, _ := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("owner", "bad/owner")
	mw.WriteField("repo", "zls")
	mw.WriteField("branch", "master")
	mw.WriteField("commit", "abc123")
	fw, err := mw.CreateFormFile("bundle", "crash.bin")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(testBundle(t, time.Now().UTC(), testCrashLog))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body: %s", rec.Code, rec.Body.String())
	}
}
