package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/zigtools/bamboo/internal/bundle"
	"github.com/zigtools/bamboo/internal/database"
	"github.com/zigtools/bamboo/internal/signature"
	"github.com/zigtools/bamboo/internal/storage"
)

// Diagnostic logs used across the service tests. crashLog and crashLogOther
// contain the same crash seen on two different CI machines; quirkLog has a
// panic marker but no matchable location line.
const (
	crashLog = "ast-check output\npanic: index out of bounds\n" +
		"/home/runner/work/zls/zls/src/Parser.zig:120:9: 0x104f2 in parseRoot\n" +
		"    const node = nodes[i];\n" +
		"more stack frames\n"

	crashLogOther = "different noise before the marker\npanic: index out of bounds\n" +
		"/home/runner/work/fork/zls/src/Parser.zig:120:9: 0x2bb10 in parseRoot\n" +
		"    const node = nodes[i];\n" +
		"other frames entirely\n"

	quirkLog = "panic: reached unreachable code\n" +
		"???:?:?: 0x0 in ???\n" +
		"    trailing line\n"

	wantCrashSummary = "In zls/src/Parser.zig:120:9; `const node = nodes[i];`"
)

func newTestService(t *testing.T) (*CrashService, database.DB, storage.Backend) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
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
	return NewCrashService(db, store, logger), db, store
}

func deflateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := fw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func makeBundle(t *testing.T, ts time.Time, stderrText string) []byte {
	t.Helper()
	raw, err := bundle.Encode(ts, "0.14.0", "0.14.0-dev",
		deflateBytes(t, []byte("stdin traffic")),
		deflateBytes(t, []byte("stdout traffic")),
		[]byte("const std = @import(\"std\");\n"),
		deflateBytes(t, []byte(stderrText)))
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestIngestCreatesHierarchy(t *testing.T) {
	svc, db, store := newTestService(t)
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	entry, err := svc.Ingest(ctx, "zigtools", "zls", "master", "abc123", makeBundle(t, ts, crashLog))
	if err != nil {
		t.Fatal(err)
	}

	repos, err := db.ListRepositories(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 1 || repos[0].Owner != "zigtools" || repos[0].Name != "zls" {
		t.Fatalf("repositories = %+v", repos)
	}
	if !repos[0].LastModified.Equal(ts) {
		t.Errorf("repository last_modified = %v, want %v", repos[0].LastModified, ts)
	}

	group, err := db.GetGroup(ctx, entry.GroupID)
	if err != nil {
		t.Fatal(err)
	}
	if group.Summary != wantCrashSummary {
		t.Errorf("summary = %q, want %q", group.Summary, wantCrashSummary)
	}

	ok, err := store.Has(ctx, entry.ID)
	if err != nil || !ok {
		t.Fatalf("bundle blob missing: ok=%v err=%v", ok, err)
	}
	if entry.ZigVersion != "0.14.0" || entry.ZlsVersion != "0.14.0-dev" {
		t.Errorf("entry versions = %q/%q", entry.ZigVersion, entry.ZlsVersion)
	}
}

func TestIngestIdempotent(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	raw := makeBundle(t, time.Now().UTC().Truncate(time.Millisecond), crashLog)

	first, err := svc.Ingest(ctx, "zigtools", "zls", "master", "abc123", raw)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Ingest(ctx, "zigtools", "zls", "master", "abc123", raw)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("entry ids differ: %s vs %s", first.ID, second.ID)
	}

	entries, err := db.ListCommitEntries(ctx, first.CommitID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 entry after double ingest, got %d", len(entries))
	}
}

func TestIngestDeduplicatesAcrossRepositories(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Millisecond)

	a, err := svc.Ingest(ctx, "zigtools", "zls", "master", "abc123", makeBundle(t, ts, crashLog))
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.Ingest(ctx, "someone", "zls-fork", "fuzzing", "def456", makeBundle(t, ts.Add(time.Hour), crashLogOther))
	if err != nil {
		t.Fatal(err)
	}

	if a.GroupID == "" || a.GroupID != b.GroupID {
		t.Fatalf("same crash must share a group: %q vs %q", a.GroupID, b.GroupID)
	}
	members, err := db.ListGroupEntries(ctx, a.GroupID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("group has %d entries, want 2", len(members))
	}
}

func TestIngestGroupSummaryImmutable(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Millisecond)

	a, err := svc.Ingest(ctx, "zigtools", "zls", "master", "abc123", makeBundle(t, ts, crashLog))
	if err != nil {
		t.Fatal(err)
	}
	before, err := db.GetGroup(ctx, a.GroupID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Ingest(ctx, "someone", "zls-fork", "fuzzing", "def456", makeBundle(t, ts.Add(time.Hour), crashLogOther)); err != nil {
		t.Fatal(err)
	}
	after, err := db.GetGroup(ctx, a.GroupID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Summary != before.Summary {
		t.Errorf("summary changed: %q -> %q", before.Summary, after.Summary)
	}
	if !after.LastModified.After(before.LastModified) {
		t.Errorf("group last_modified not bumped: %v -> %v", before.LastModified, after.LastModified)
	}
}

func TestIngestNoMarkerGetsSentinelGroup(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Ingest(ctx, "zigtools", "zls", "master", "abc123",
		makeBundle(t, time.Now().UTC(), "clean run, nothing interesting\n"))
	if err != nil {
		t.Fatal(err)
	}
	group, err := db.GetGroup(ctx, entry.GroupID)
	if err != nil {
		t.Fatal(err)
	}
	if group.Summary != signature.NoSummary {
		t.Errorf("summary = %q, want %q", group.Summary, signature.NoSummary)
	}
}

func TestIngestUnmatchedLocationStaysUngrouped(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Ingest(ctx, "zigtools", "zls", "master", "abc123",
		makeBundle(t, time.Now().UTC(), quirkLog))
	if err != nil {
		t.Fatal(err)
	}
	if entry.GroupID != "" {
		t.Fatalf("entry must stay ungrouped, got group %q", entry.GroupID)
	}

	ungrouped, err := db.ListUngroupedEntries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ungrouped) != 1 || ungrouped[0].ID != entry.ID {
		t.Fatalf("ungrouped listing = %+v", ungrouped)
	}
}

func TestIngestRejectsMalformedBundle(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	raw := makeBundle(t, time.Now().UTC(), crashLog)

	if _, err := svc.Ingest(ctx, "zigtools", "zls", "master", "abc123", raw[:len(raw)-3]); !errors.Is(err, bundle.ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}

	repos, err := db.ListRepositories(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 0 {
		t.Fatalf("malformed bundle must not create rows, got %d repositories", len(repos))
	}
}

func TestIngestRejectsCorruptStderrStream(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	raw, err := bundle.Encode(time.Now().UTC(), "0.14.0", "0.14.0-dev",
		deflateBytes(t, []byte("in")), deflateBytes(t, []byte("out")),
		[]byte("src"), []byte("this is not a deflate stream"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Ingest(ctx, "zigtools", "zls", "master", "abc123", raw); !errors.Is(err, bundle.ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestIngestRejectsBadRefs(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	raw := makeBundle(t, time.Now().UTC(), crashLog)

	for _, bad := range []struct{ owner, repo, branch, commit string }{
		{"a/b", "zls", "master", "abc"},
		{"zigtools", "", "master", "abc"},
		{"zigtools", "zls", "ma ster", "abc"},
		{"zigtools", "zls", "master", "../etc"},
	} {
		_, err := svc.Ingest(ctx, bad.owner, bad.repo, bad.branch, bad.commit, raw)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Ingest(%+v) err = %v, want ErrInvalidRequest", bad, err)
		}
	}
}
